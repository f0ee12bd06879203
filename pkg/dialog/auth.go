package dialog

import (
	"fmt"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/sirupsen/logrus"
)

// AuthenticationAgent хранит последний digest challenge и подписывает
// повторные запросы.
//
// Учетные данные вычисляются заново на каждом повторе, поэтому
// challenge со stale nonce обрабатывается прозрачно. Ограничение
// "не более одного повтора на challenge" обеспечивает вызывающая
// сторона
type AuthenticationAgent struct {
	mu sync.Mutex

	username string
	password string

	challenge   *digest.Challenge
	answerIn    string // Заголовок для учетных данных
	nonceCount  int
	credentials bool // Учетные данные заданы
	logger      logrus.FieldLogger
}

// NewAuthenticationAgent создает агента с учетными данными пользователя
func NewAuthenticationAgent(username, password string, logger logrus.FieldLogger) *AuthenticationAgent {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AuthenticationAgent{
		username:    username,
		password:    password,
		credentials: username != "",
		logger:      logger,
	}
}

// ReadChallenge извлекает digest challenge из ответа 401 или 407.
// Новый challenge замещает предыдущий, включая stale nonce
func (a *AuthenticationAgent) ReadChallenge(resp *sip.Response) error {
	var header sip.Header
	var answerIn string

	switch {
	case resp.StatusCode == sip.StatusProxyAuthRequired:
		header = resp.GetHeader("Proxy-Authenticate")
		answerIn = "Proxy-Authorization"
	case resp.StatusCode == sip.StatusUnauthorized:
		header = resp.GetHeader("WWW-Authenticate")
		answerIn = "Authorization"
	default:
		return fmt.Errorf("ответ %d не несет challenge", resp.StatusCode)
	}
	if header == nil {
		return fmt.Errorf("в ответе %d отсутствует challenge заголовок", resp.StatusCode)
	}

	challenge, err := digest.ParseChallenge(header.Value())
	if err != nil {
		return fmt.Errorf("не удалось разобрать challenge: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.challenge = challenge
	a.answerIn = answerIn
	a.nonceCount = 0
	if challenge.Stale {
		a.logger.Debug("сервер объявил stale nonce, учетные данные будут пересчитаны")
	}
	return nil
}

// HasChallenge возвращает true после успешного ReadChallenge
func (a *AuthenticationAgent) HasChallenge() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.challenge != nil
}

// ApplyChallenge вычисляет свежие учетные данные для запроса и
// устанавливает соответствующий заголовок авторизации. Повторный
// вызов для нового запроса пересчитывает digest с новым cnonce
func (a *AuthenticationAgent) ApplyChallenge(req *sip.Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.challenge == nil {
		return fmt.Errorf("challenge не получен")
	}
	if !a.credentials {
		return fmt.Errorf("учетные данные пользователя не заданы")
	}

	a.nonceCount++
	credentials, err := digest.Digest(a.challenge, digest.Options{
		Method:   string(req.Method),
		URI:      req.Recipient.String(),
		Username: a.username,
		Password: a.password,
		Count:    a.nonceCount,
	})
	if err != nil {
		return fmt.Errorf("не удалось вычислить digest: %w", err)
	}

	req.RemoveHeader(a.answerIn)
	req.AppendHeader(sip.NewHeader(a.answerIn, credentials.String()))
	return nil
}
