package dialog

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// tagLength длина tag в байтах до hex кодирования
const tagLength = 8

// sequenceCounter гарантирует уникальность при деградации
// криптографического источника
var sequenceCounter uint64

// GenerateCallID возвращает уникальный Call-ID
func GenerateCallID() string {
	return uuid.NewString()
}

// GenerateTag возвращает криптографически стойкий tag для From/To
func GenerateTag() string {
	buf := make([]byte, tagLength)
	if _, err := rand.Read(buf); err != nil {
		// Деградация до времени и счетчика
		seq := atomic.AddUint64(&sequenceCounter, 1)
		return fmt.Sprintf("%x%x", time.Now().UnixNano(), seq)
	}
	return hex.EncodeToString(buf)
}

// GenerateBranch возвращает branch параметр Via в формате RFC 3261
func GenerateBranch() string {
	return "z9hG4bK" + GenerateTag()
}
