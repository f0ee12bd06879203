package rtp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestExtensionRoundTrip проверяет, что pack/unpack восстанавливает
// исходный список элементов для всех допустимых id и длин payload
func TestExtensionRoundTrip(t *testing.T) {
	for id := uint8(MinExtensionID); id <= MaxExtensionID; id++ {
		for length := 1; length <= 16; length++ {
			payload := make([]byte, length)
			for i := range payload {
				payload[i] = byte(i + int(id))
			}
			elements := []ExtensionElement{{ID: id, Payload: payload}}

			data, err := Pack(elements)
			require.NoError(t, err, "id=%d len=%d", id, length)
			assert.Equal(t, 0, len(data)%4, "блок должен быть выровнен до 4 байт")

			profile, decoded, err := Unpack(data)
			require.NoError(t, err)
			assert.Equal(t, uint16(ExtensionProfileOneByte), profile)
			assert.Equal(t, elements, decoded)
		}
	}
}

// TestExtensionRoundTripMultiple проверяет round-trip списка из нескольких элементов
func TestExtensionRoundTripMultiple(t *testing.T) {
	elements := []ExtensionElement{
		{ID: 3, Payload: []byte{0x01}},
		{ID: 7, Payload: []byte{0xAA, 0xBB, 0xCC}},
		{ID: 14, Payload: []byte{1, 2, 3, 4, 5, 6, 7}},
	}

	data, err := Pack(elements)
	require.NoError(t, err)

	_, decoded, err := Unpack(data)
	require.NoError(t, err)
	assert.Equal(t, elements, decoded)
}

// TestExtensionPackValidation проверяет отклонение недопустимых элементов
func TestExtensionPackValidation(t *testing.T) {
	tests := []struct {
		name    string
		element ExtensionElement
	}{
		{"id ноль", ExtensionElement{ID: 0, Payload: []byte{1}}},
		{"id пятнадцать", ExtensionElement{ID: 15, Payload: []byte{1}}},
		{"пустой payload", ExtensionElement{ID: 1, Payload: nil}},
		{"payload длиннее 16", ExtensionElement{ID: 1, Payload: make([]byte, 17)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Pack([]ExtensionElement{tt.element})
			assert.Error(t, err)
		})
	}
}

// TestExtensionUnpackPadding проверяет, что padding байт 0x00 пропускается
// без чтения длины, а id вне [1..14] завершает список без ошибки
func TestExtensionUnpackPadding(t *testing.T) {
	// profile BEDE, 1 элемент, затем padding перед элементом
	data := []byte{
		0xBE, 0xDE, 0x00, 0x01,
		0x00,       // padding, длина не читается
		0x30, 0x5A, // id=3 len=1 payload=0x5A
		0x00, 0x00, // выравнивание
	}

	_, elements, err := Unpack(data)
	require.NoError(t, err)
	require.Len(t, elements, 1)
	assert.Equal(t, uint8(3), elements[0].ID)
	assert.Equal(t, []byte{0x5A}, elements[0].Payload)
}

// TestExtensionUnpackStopsAtCount проверяет, что разбор останавливается
// на объявленном количестве элементов и не читает хвост блока
func TestExtensionUnpackStopsAtCount(t *testing.T) {
	data := []byte{
		0xBE, 0xDE, 0x00, 0x01,
		0x41, 0x07, // id=4 len=1
		0x52, 0x08, 0x09, // мусор за пределами объявленного количества
	}

	_, elements, err := Unpack(data)
	require.NoError(t, err)
	require.Len(t, elements, 1)
	assert.Equal(t, uint8(4), elements[0].ID)
}

// TestExtensionUnpackEndOfListBeforeCount проверяет, что маркер конца
// списка (id=15) до объявленного количества отдает собранные элементы
// без ошибки
func TestExtensionUnpackEndOfListBeforeCount(t *testing.T) {
	// Объявлен 1 элемент, но сразу стоит маркер конца списка
	data := []byte{
		0xBE, 0xDE, 0x00, 0x01,
		0xF0, 0x00, 0x00, 0x00,
	}

	profile, elements, err := Unpack(data)
	require.NoError(t, err)
	assert.Equal(t, uint16(ExtensionProfileOneByte), profile)
	assert.Empty(t, elements)

	// Один элемент собран, затем маркер конца списка вместо второго
	data = []byte{
		0xBE, 0xDE, 0x00, 0x02,
		0x20, 0x11, // id=2 len=1
		0xF0, 0x00,
	}

	_, elements, err = Unpack(data)
	require.NoError(t, err)
	require.Len(t, elements, 1)
	assert.Equal(t, uint8(2), elements[0].ID)
}

// TestExtensionUnpackTruncated проверяет ошибки на обрезанных блоках
func TestExtensionUnpackTruncated(t *testing.T) {
	_, _, err := Unpack([]byte{0xBE, 0xDE})
	assert.Error(t, err)

	// Объявлено 2 элемента, присутствует один
	data := []byte{0xBE, 0xDE, 0x00, 0x02, 0x11, 0x01}
	_, _, err = Unpack(data)
	assert.Error(t, err)
}

// TestOrientationElement проверяет упаковку и извлечение байта ориентации
func TestOrientationElement(t *testing.T) {
	orientation := OrientationRotate90 | 0x08 // фронтальная камера, поворот 90

	data, err := Pack([]ExtensionElement{OrientationElement(5, orientation)})
	require.NoError(t, err)

	decoded, ok := UnpackOrientation(data, 5)
	require.True(t, ok)
	assert.Equal(t, orientation, decoded)
	assert.Equal(t, 90, decoded.Rotation())
	assert.True(t, decoded.IsFrontCamera())
	assert.False(t, decoded.IsFlipped())

	_, ok = UnpackOrientation(data, 6)
	assert.False(t, ok, "чужой id не должен находиться")
}
