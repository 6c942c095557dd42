package delivery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"telemail/backend/internal/domain"
	"telemail/backend/internal/monitoring"
)

type notifyCall struct {
	text string
	rich bool
}

type fakeNotifier struct {
	notifyErrs []error // 依次返回的 Notify 错误，耗尽后返回 nil
	fileErrs   []error

	notifies []notifyCall
	files    []string
}

func (f *fakeNotifier) Notify(_ context.Context, _ int64, text string, rich bool) error {
	f.notifies = append(f.notifies, notifyCall{text: text, rich: rich})
	if len(f.notifyErrs) > 0 {
		err := f.notifyErrs[0]
		f.notifyErrs = f.notifyErrs[1:]
		return err
	}
	return nil
}

func (f *fakeNotifier) NotifyFile(_ context.Context, _ int64, filename string, _ []byte, _ string) error {
	f.files = append(f.files, filename)
	if len(f.fileErrs) > 0 {
		err := f.fileErrs[0]
		f.fileErrs = f.fileErrs[1:]
		return err
	}
	return nil
}

func newTestEngine(n Notifier) *Engine {
	e := NewEngine(n, zap.NewNop(), monitoring.NewMetrics())
	e.retryWait = time.Millisecond
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

func testMessage() *domain.InboundMessage {
	return &domain.InboundMessage{
		To:       "abc@temp.mail",
		FromName: "Alice",
		Subject:  "Hello *world*",
		Text:     "some _markdown_ body",
		Date:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestEngine_DeliverPlainSuccess(t *testing.T) {
	n := &fakeNotifier{}
	e := newTestEngine(n)

	err := e.Deliver(context.Background(), 99, testMessage())
	require.NoError(t, err)

	require.Len(t, n.notifies, 1)
	assert.True(t, n.notifies[0].rich)
	assert.Contains(t, n.notifies[0].text, "Alice")
	assert.Contains(t, n.notifies[0].text, "Hello *world*")
}

func TestEngine_FormatRejectionDowngradesToPlain(t *testing.T) {
	n := &fakeNotifier{
		notifyErrs: []error{fmt.Errorf("send message: %w", ErrFormatRejected)},
	}
	e := newTestEngine(n)

	err := e.Deliver(context.Background(), 99, testMessage())
	require.NoError(t, err)

	require.Len(t, n.notifies, 2)
	assert.True(t, n.notifies[0].rich)
	assert.False(t, n.notifies[1].rich)

	// 降级后的载荷不再包含 Markdown 控制字符
	assert.Equal(t, StripMarkdown(n.notifies[0].text), n.notifies[1].text)
	assert.NotContains(t, n.notifies[1].text, "*")
	assert.NotContains(t, n.notifies[1].text, "_")
}

func TestEngine_RetriesAreBounded(t *testing.T) {
	boom := errors.New("network down")
	n := &fakeNotifier{notifyErrs: []error{boom, boom, boom, boom}}
	e := newTestEngine(n)

	err := e.Deliver(context.Background(), 99, testMessage())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "chat 99")

	// 最多 3 次尝试
	assert.Len(t, n.notifies, 3)
}

func TestEngine_TransientFailureRecovers(t *testing.T) {
	n := &fakeNotifier{notifyErrs: []error{errors.New("timeout")}}
	e := newTestEngine(n)

	err := e.Deliver(context.Background(), 99, testMessage())
	require.NoError(t, err)

	require.Len(t, n.notifies, 2)
	// 非格式错误不触发降级
	assert.True(t, n.notifies[1].rich)
}

func TestEngine_AttachmentFailureIsIsolated(t *testing.T) {
	rejected := errors.New("file too large")
	n := &fakeNotifier{
		// 第一个附件的 3 次尝试全部失败，第二个附件成功
		fileErrs: []error{rejected, rejected, rejected},
	}
	e := newTestEngine(n)

	msg := testMessage()
	msg.Attachments = []*domain.Attachment{
		{ID: "a1", Filename: "big.iso", Content: []byte("x")},
		{ID: "a2", Filename: "note.txt", Content: []byte("y")},
	}

	err := e.Deliver(context.Background(), 99, msg)
	require.NoError(t, err)

	// 3 次 big.iso 尝试 + 1 次 note.txt
	assert.Equal(t, []string{"big.iso", "big.iso", "big.iso", "note.txt"}, n.files)

	// 摘要 + 附件数量提示 + big.iso 的降级提示
	require.Len(t, n.notifies, 3)
	assert.Contains(t, n.notifies[1].text, "2 attached file")
	assert.Contains(t, n.notifies[2].text, "big.iso")
}

func TestEngine_DeliverCancelledContext(t *testing.T) {
	boom := errors.New("network down")
	n := &fakeNotifier{notifyErrs: []error{boom, boom, boom}}
	e := newTestEngine(n)
	e.sleep = sleepContext

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Deliver(ctx, 99, testMessage())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStripMarkdown(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"控制字符全部移除", "*bold* _it_ [x](y) `c` #1 a.b", "bold it xy c 1 ab"},
		{"普通文本不变", "hello world", "hello world"},
		{"空字符串", "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StripMarkdown(tc.in))
		})
	}
}
