package dialog

import (
	"context"
	"errors"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"
)

// RequestTransport внешний транспорт SIP запросов.
//
// Send блокируется до получения финального ответа или отмены ctx.
// Провизорные ответы транспорт поглощает сам
type RequestTransport interface {
	Send(ctx context.Context, req *sip.Request) (*sip.Response, error)
}

// TransactionContext результат одной клиентской транзакции.
//
// Отсутствие ответа за таймаут - самостоятельный исход, отличный от
// полученного ошибочного статуса
type TransactionContext struct {
	// Received true, если финальный ответ получен
	Received bool

	// StatusCode код финального ответа, 0 без ответа
	StatusCode int

	// Reason фраза финального ответа
	Reason string

	// Response полный ответ для чтения заголовков и тела
	Response *sip.Response
}

// IsSuccess возвращает true для 2xx ответа
func (tc *TransactionContext) IsSuccess() bool {
	return tc.Received && tc.StatusCode >= 200 && tc.StatusCode < 300
}

// IsProvisional возвращает true для 1xx ответа
func (tc *TransactionContext) IsProvisional() bool {
	return tc.Received && tc.StatusCode < 200
}

// Header возвращает значение заголовка ответа, пустую строку без ответа
func (tc *TransactionContext) Header(name string) string {
	if tc.Response == nil {
		return ""
	}
	if h := tc.Response.GetHeader(name); h != nil {
		return h.Value()
	}
	return ""
}

// Body возвращает тело ответа
func (tc *TransactionContext) Body() []byte {
	if tc.Response == nil {
		return nil
	}
	return tc.Response.Body()
}

// TransactionRunner выполняет клиентские транзакции поверх внешнего
// транспорта
type TransactionRunner struct {
	transport RequestTransport
	logger    logrus.FieldLogger
}

// NewTransactionRunner создает исполнителя транзакций
func NewTransactionRunner(transport RequestTransport, logger logrus.FieldLogger) *TransactionRunner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TransactionRunner{
		transport: transport,
		logger:    logger,
	}
}

// SendAndWait отправляет запрос и ждет финальный ответ не дольше timeout.
//
// Истечение таймаута дает TransactionContext с Received=false и nil
// ошибкой. Ошибка возвращается только при сбое транспорта, такой сбой
// фатален для владеющей сессии
func (r *TransactionRunner) SendAndWait(ctx context.Context, req *sip.Request, timeout time.Duration) (*TransactionContext, error) {
	sendCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logger := r.logger.WithFields(logrus.Fields{
		"method":  string(req.Method),
		"call_id": callIDValue(req),
	})
	logger.Debug("отправка запроса")

	resp, err := r.transport.Send(sendCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			logger.WithField("timeout", timeout).Warn("ответ не получен")
			return &TransactionContext{}, nil
		}
		return nil, err
	}
	if resp == nil {
		return &TransactionContext{}, nil
	}

	logger.WithField("status", resp.StatusCode).Debug("получен финальный ответ")
	return &TransactionContext{
		Received:   true,
		StatusCode: resp.StatusCode,
		Reason:     resp.Reason,
		Response:   resp,
	}, nil
}

// Fire отправляет запрос, не ожидая финального ответа. Используется
// для ACK и CANCEL, которые не порождают собственный ответ на этом
// уровне. Истечение короткого окна ожидания не считается ошибкой
func (r *TransactionRunner) Fire(ctx context.Context, req *sip.Request) error {
	fireCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	_, err := r.transport.Send(fireCtx, req)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil
	}
	return err
}

func callIDValue(req *sip.Request) string {
	if callID := req.CallID(); callID != nil {
		return callID.Value()
	}
	return ""
}
