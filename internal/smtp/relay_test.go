package smtp

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"telemail/backend/internal/delivery"
	"telemail/backend/internal/monitoring"
	"telemail/backend/internal/registry"
)

// recordingNotifier 记录投递引擎发出的全部通知。
type recordingNotifier struct {
	texts []string
	files []string
}

func (r *recordingNotifier) Notify(_ context.Context, _ int64, text string, _ bool) error {
	r.texts = append(r.texts, text)
	return nil
}

func (r *recordingNotifier) NotifyFile(_ context.Context, _ int64, filename string, content []byte, _ string) error {
	r.files = append(r.files, fmt.Sprintf("%s:%s", filename, content))
	return nil
}

func relayMail(to string) string {
	return "From: Billing <billing@example.com>\r\n" +
		"To: " + to + "\r\n" +
		"Subject: Your invoice\r\n" +
		"Date: Mon, 06 May 2024 10:00:00 +0000\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=\"frontier\"\r\n" +
		"\r\n" +
		"--frontier\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Please find the invoice attached.\r\n" +
		"--frontier\r\n" +
		"Content-Type: text/plain\r\n" +
		"Content-Disposition: attachment; filename=\"invoice.txt\"\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"aGVsbG8gd29ybGQ=\r\n" +
		"--frontier--\r\n"
}

// TestRelay_MailboxToNotification 覆盖完整链路：
// 创建邮箱 → 收到来信 → 会话收到一条摘要与一个附件。
func TestRelay_MailboxToNotification(t *testing.T) {
	boxes := registry.New("temp.mail", nil)
	notifier := &recordingNotifier{}
	engine := delivery.NewEngine(notifier, zap.NewNop(), monitoring.NewMetrics())
	backend := NewBackend(boxes, engine, syncPool{}, nil, zap.NewNop(), monitoring.NewMetrics())

	address, err := boxes.Create(7)
	require.NoError(t, err)

	sess, err := backend.NewSession(nil)
	require.NoError(t, err)
	s := sess.(*session)

	require.NoError(t, s.Mail("billing@example.com", nil))
	require.NoError(t, s.Rcpt(address, nil))
	require.NoError(t, s.Data(strings.NewReader(relayMail(address))))

	// 一条摘要、一条附件数量提示
	require.Len(t, notifier.texts, 2)
	assert.Contains(t, notifier.texts[0], "Your invoice")
	assert.Contains(t, notifier.texts[0], "Billing")
	assert.Contains(t, notifier.texts[0], "Please find the invoice attached.")
	assert.Contains(t, notifier.texts[1], "1 attached file")

	require.Len(t, notifier.files, 1)
	assert.Equal(t, "invoice.txt:hello world", notifier.files[0])
}

// TestRelay_NewMailboxVoidsPrevious 覆盖换新邮箱后旧地址失效。
func TestRelay_NewMailboxVoidsPrevious(t *testing.T) {
	boxes := registry.New("temp.mail", nil)
	notifier := &recordingNotifier{}
	engine := delivery.NewEngine(notifier, zap.NewNop(), monitoring.NewMetrics())
	backend := NewBackend(boxes, engine, syncPool{}, nil, zap.NewNop(), monitoring.NewMetrics())

	first, err := boxes.Create(7)
	require.NoError(t, err)
	second, err := boxes.Create(7)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	// 旧地址：静默丢弃
	sess, err := backend.NewSession(nil)
	require.NoError(t, err)
	s := sess.(*session)
	require.NoError(t, s.Mail("billing@example.com", nil))
	require.NoError(t, s.Rcpt(first, nil))
	require.NoError(t, s.Data(strings.NewReader(relayMail(first))))
	assert.Empty(t, notifier.texts)

	// 新地址：正常投递
	sess, err = backend.NewSession(nil)
	require.NoError(t, err)
	s = sess.(*session)
	require.NoError(t, s.Mail("billing@example.com", nil))
	require.NoError(t, s.Rcpt(second, nil))
	require.NoError(t, s.Data(strings.NewReader(relayMail(second))))
	assert.Len(t, notifier.texts, 2)
}
