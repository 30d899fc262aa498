package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MrEthical07/authcore/internal/failure"
)

type stubPublisher struct {
	delivered bool
	err       error
	calls     int
}

func (p *stubPublisher) Publish(context.Context, Job) (bool, error) {
	p.calls++
	return p.delivered, p.err
}

type failingSender struct{}

func (failingSender) Send(context.Context, Job) error { return errors.New("smtp down") }

func TestFallbackUsesPublisherWhenDelivered(t *testing.T) {
	pub := &stubPublisher{delivered: true}
	direct := &Memory{}
	d := NewFallback(pub, direct, zap.NewNop())

	require.NoError(t, d.Dispatch(context.Background(), Job{Type: JobWelcome, To: "a@x.com"}))
	assert.Equal(t, 1, pub.calls)
	assert.Empty(t, direct.Jobs())
}

func TestFallbackSendsDirectlyOnNonDelivery(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	for _, pub := range []*stubPublisher{{delivered: false}, {err: errors.New("broker down")}} {
		direct := &Memory{}
		d := NewFallback(pub, direct, zap.New(core))

		job := Job{Type: JobVerificationCode, To: "a@x.com", Payload: map[string]string{KeyCode: "123456"}}
		require.NoError(t, d.Dispatch(context.Background(), job))
		got, ok := direct.Last(JobVerificationCode, "a@x.com")
		require.True(t, ok)
		assert.Equal(t, "123456", got.Payload[KeyCode])
	}
	assert.Equal(t, 2, logs.FilterMessage("notification channel unavailable, sending directly").Len())
}

func TestFallbackWithoutPublisher(t *testing.T) {
	direct := &Memory{}
	d := NewFallback(nil, direct, nil)
	require.NoError(t, d.Dispatch(context.Background(), Job{Type: JobWelcome, To: "a@x.com"}))
	assert.Len(t, direct.Jobs(), 1)
}

func TestFallbackBothPathsFail(t *testing.T) {
	d := NewFallback(&stubPublisher{}, failingSender{}, nil)
	err := d.Dispatch(context.Background(), Job{Type: JobWelcome, To: "a@x.com"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrUnavailable))
}

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestKafkaPublisherWritesCloudEvent(t *testing.T) {
	w := &recordingWriter{}
	p := &KafkaPublisher{writer: w, source: "/authcore", now: func() time.Time { return time.Unix(1_700_000_000, 0) }}

	delivered, err := p.Publish(context.Background(), Job{Type: JobResetLink, To: "a@x.com", Payload: map[string]string{KeyLink: "https://x/reset"}})
	require.NoError(t, err)
	require.True(t, delivered)
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "a@x.com", string(msg.Key))

	var ev CloudEvent
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	assert.Equal(t, "1.0", ev.SpecVersion)
	assert.Equal(t, string(JobResetLink), ev.Type)
	assert.Equal(t, "/authcore", ev.Source)
	assert.NotEmpty(t, ev.ID)

	var job Job
	require.NoError(t, json.Unmarshal(ev.Data, &job))
	assert.Equal(t, "https://x/reset", job.Payload[KeyLink])
}

func TestKafkaPublisherReportsFailure(t *testing.T) {
	p := &KafkaPublisher{writer: &recordingWriter{err: errors.New("leader not available")}, now: time.Now}
	delivered, err := p.Publish(context.Background(), Job{Type: JobWelcome, To: "a@x.com"})
	assert.False(t, delivered)
	assert.Error(t, err)
}

func TestNewKafkaPublisher(t *testing.T) {
	p := NewKafkaPublisher([]string{"localhost:9092"}, "auth-notifications", "/authcore")
	require.NotNil(t, p)
	w, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, "auth-notifications", w.Topic)
	assert.Equal(t, kafka.RequireAll, w.RequiredAcks)
}

func TestSMTPSenderComposesMessage(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "mail.local", Port: 2525, From: "no-reply@shop.test"})
	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	s.sendMail = func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}

	err := s.Send(context.Background(), Job{Type: JobVerificationCode, To: "a@x.com", Payload: map[string]string{KeyCode: "654321", KeyExpiresIn: "10m0s"}})
	require.NoError(t, err)
	assert.Equal(t, "mail.local:2525", gotAddr)
	assert.Equal(t, []string{"a@x.com"}, gotTo)
	assert.True(t, strings.Contains(gotMsg, "Subject: Verify your email"))
	assert.True(t, strings.Contains(gotMsg, "654321"))
}

func TestSMTPSenderHonorsCanceledContext(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "mail.local", Port: 25})
	s.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("must not dial with a canceled context")
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, s.Send(ctx, Job{Type: JobWelcome, To: "a@x.com"}))
}

func TestLogSender(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := NewLogSender(zap.New(core))
	require.NoError(t, s.Send(context.Background(), Job{Type: JobWelcome, To: "a@x.com", Payload: map[string]string{KeyCode: "123456"}}))
	require.Equal(t, 1, logs.Len())
	assert.NotContains(t, logs.All()[0].ContextMap(), "payload")
}
