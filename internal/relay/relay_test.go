package relay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"taskrelay/internal/idempotency"
	"taskrelay/internal/models"
	"taskrelay/internal/store"
	"taskrelay/internal/webhook"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	calls    int
	outcome  models.DeliveryOutcome
	err      error
	delay    time.Duration
	ctxErr   error
	payloads []models.MarkdownMessage
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, _, _ string, payload interface{}) (models.DeliveryOutcome, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.ctxErr = ctx.Err()
	if msg, ok := payload.(models.MarkdownMessage); ok {
		f.payloads = append(f.payloads, msg)
	}
	return f.outcome, f.err
}

func (f *fakeDispatcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// spyTracker counts writes and can fail lookups.
type spyTracker struct {
	*idempotency.Store
	writes    int32
	lookupErr error
}

func (s *spyTracker) Lookup(ctx context.Context, sid string) (*models.SubmissionRecord, bool, error) {
	if s.lookupErr != nil {
		return nil, false, s.lookupErr
	}
	return s.Store.Lookup(ctx, sid)
}

func (s *spyTracker) Claim(ctx context.Context, sid string) (*idempotency.Claim, error) {
	atomic.AddInt32(&s.writes, 1)
	return s.Store.Claim(ctx, sid)
}

func (s *spyTracker) Finalize(ctx context.Context, c *idempotency.Claim, rec models.SubmissionRecord) error {
	atomic.AddInt32(&s.writes, 1)
	return s.Store.Finalize(ctx, c, rec)
}

func (s *spyTracker) ClaimAndFinalize(ctx context.Context, rec models.SubmissionRecord) (bool, *models.SubmissionRecord, error) {
	atomic.AddInt32(&s.writes, 1)
	return s.Store.ClaimAndFinalize(ctx, rec)
}

// failingKV is a memory store whose conditional writes can be made to fail.
type failingKV struct {
	*store.Memory
	failSetNX bool
	failSwap  bool
}

var errBackend = errors.New("redis: connection pool timeout")

func (f *failingKV) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if f.failSetNX {
		return false, errBackend
	}
	return f.Memory.SetNX(ctx, key, value, ttl)
}

func (f *failingKV) CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	if f.failSwap {
		return false, errBackend
	}
	return f.Memory.CompareAndSwap(ctx, key, old, next, ttl)
}

func newService(d Dispatcher) (*Service, *spyTracker) {
	return newServiceWithKV(d, store.NewMemory())
}

func newServiceWithKV(d Dispatcher, kv store.KV) (*Service, *spyTracker) {
	tracker := &spyTracker{Store: idempotency.New(kv, "submissions", 30*time.Second)}
	svc := New(tracker, d, Options{WebhookURL: "https://hooks.example/robot/send?access_token=t", Title: "任务完成"}, zap.NewNop())
	svc.Now = func() time.Time { return time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC) }
	return svc, tracker
}

func okDispatcher() *fakeDispatcher {
	return &fakeDispatcher{outcome: models.DeliveryOutcome{Succeeded: true, StatusCode: 200, ResponseBody: `{"errcode":0}`}}
}

func TestSubmit_FinalizesThenRejectsDuplicate(t *testing.T) {
	d := okDispatcher()
	svc, _ := newService(d)
	ctx := context.Background()

	rec, err := svc.Submit(ctx, models.NotificationRequest{SourceID: "T1", Remark: "done"})
	require.NoError(t, err)
	assert.Equal(t, "T1", rec.SourceID)
	assert.True(t, rec.Done)
	assert.Equal(t, 1, d.Calls())

	_, err = svc.Submit(ctx, models.NotificationRequest{SourceID: "T1", Remark: "done"})
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	require.NotNil(t, conflict.Existing)
	assert.Equal(t, "done", conflict.Existing.Remark)
	assert.Equal(t, 1, d.Calls(), "duplicate must not dispatch")
}

func TestSubmit_MissingSid(t *testing.T) {
	d := okDispatcher()
	svc, tracker := newService(d)

	_, err := svc.Submit(context.Background(), models.NotificationRequest{SourceID: "  "})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "missing sid", verr.Reason)
	assert.Equal(t, 0, d.Calls())
	assert.Equal(t, int32(0), tracker.writes)
}

func TestSubmit_FailedDispatchIsRetryable(t *testing.T) {
	d := &fakeDispatcher{outcome: models.DeliveryOutcome{Succeeded: false, StatusCode: 400, ResponseBody: `{"errcode":310000}`}}
	svc, tracker := newService(d)
	ctx := context.Background()

	_, err := svc.Submit(ctx, models.NotificationRequest{SourceID: "T3"})
	var up *UpstreamDeliveryError
	require.True(t, errors.As(err, &up))
	assert.Equal(t, `{"errcode":310000}`, up.Body)
	assert.Equal(t, 400, up.StatusCode)

	_, ok, err := tracker.Store.Lookup(ctx, "T3")
	require.NoError(t, err)
	assert.False(t, ok)

	d.mu.Lock()
	d.outcome = models.DeliveryOutcome{Succeeded: true, StatusCode: 200}
	d.mu.Unlock()
	rec, err := svc.Submit(ctx, models.NotificationRequest{SourceID: "T3"})
	require.NoError(t, err)
	assert.True(t, rec.Done)
	assert.Equal(t, 2, d.Calls())
}

func TestSubmit_TransportErrorIsRetryable(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("connection refused")}
	svc, _ := newService(d)

	_, err := svc.Submit(context.Background(), models.NotificationRequest{SourceID: "T4"})
	var up *UpstreamDeliveryError
	require.True(t, errors.As(err, &up))
	assert.ErrorContains(t, err, "connection refused")

	_, err = svc.Submit(context.Background(), models.NotificationRequest{SourceID: "T4"})
	require.True(t, errors.As(err, &up))
	assert.Equal(t, 2, d.Calls())
}

func TestStatus_SideEffectFree(t *testing.T) {
	d := okDispatcher()
	svc, tracker := newService(d)
	ctx := context.Background()

	res, err := svc.Status(ctx, "T5")
	require.NoError(t, err)
	assert.False(t, res.Done)

	_, err = svc.Submit(ctx, models.NotificationRequest{SourceID: "T5"})
	require.NoError(t, err)
	writes := atomic.LoadInt32(&tracker.writes)

	res, err = svc.Status(ctx, "T5")
	require.NoError(t, err)
	assert.True(t, res.Done)
	require.NotNil(t, res.Record)
	assert.Equal(t, writes, atomic.LoadInt32(&tracker.writes))
	assert.Equal(t, 1, d.Calls())
}

func TestStatus_MissingSid(t *testing.T) {
	svc, _ := newService(okDispatcher())
	_, err := svc.Status(context.Background(), "")
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestSubmit_LookupFailureIsStoreError(t *testing.T) {
	d := okDispatcher()
	svc, tracker := newService(d)
	tracker.lookupErr = errors.New("dial tcp: refused")

	_, err := svc.Submit(context.Background(), models.NotificationRequest{SourceID: "T6"})
	var serr *StoreError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "lookup", serr.Op)
	assert.Equal(t, 0, d.Calls())
}

func TestSubmit_InFlightClaim(t *testing.T) {
	d := okDispatcher()
	svc, tracker := newService(d)
	ctx := context.Background()
	_, err := tracker.Store.Claim(ctx, "T7")
	require.NoError(t, err)

	_, err = svc.Submit(ctx, models.NotificationRequest{SourceID: "T7"})
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.True(t, conflict.InFlight)
	assert.Equal(t, 0, d.Calls())
}

func TestSubmit_ConcurrentSameSidDispatchesOnce(t *testing.T) {
	d := okDispatcher()
	d.delay = 20 * time.Millisecond
	svc, _ := newService(d)

	var okCount int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Submit(context.Background(), models.NotificationRequest{SourceID: "race"}); err == nil {
				atomic.AddInt32(&okCount, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), okCount)
	assert.Equal(t, 1, d.Calls())
}

func TestSubmit_DispatchNotCancelled(t *testing.T) {
	d := okDispatcher()
	svc, _ := newService(d)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Submit(ctx, models.NotificationRequest{SourceID: "T8"})
	require.NoError(t, err)
	assert.NoError(t, d.ctxErr)
}

func TestSubmit_NoWebhookRecordsOnce(t *testing.T) {
	d := okDispatcher()
	svc, _ := newService(d)
	svc.Options.WebhookURL = ""

	rec, err := svc.Submit(context.Background(), models.NotificationRequest{SourceID: "T9"})
	require.NoError(t, err)
	assert.True(t, rec.Done)

	_, err = svc.Submit(context.Background(), models.NotificationRequest{SourceID: "T9"})
	var conflict *ConflictError
	assert.True(t, errors.As(err, &conflict))
	assert.Equal(t, 0, d.Calls())
}

func TestSubmit_PayloadCarriesFields(t *testing.T) {
	d := okDispatcher()
	svc, _ := newService(d)
	_, err := svc.Submit(context.Background(), models.NotificationRequest{
		SourceID:  "T10",
		Remark:    "shipped",
		Auxiliary: map[string]string{models.FieldDetailURL: "https://app.example/t/10", models.FieldUnionID: "u-9"},
	})
	require.NoError(t, err)
	require.Len(t, d.payloads, 1)
	msg := d.payloads[0]
	assert.Equal(t, "markdown", msg.MsgType)
	assert.Equal(t, "任务完成", msg.Markdown.Title)
	assert.Contains(t, msg.Markdown.Text, "- sid: T10")
	assert.Contains(t, msg.Markdown.Text, "- 备注: shipped")
	assert.Contains(t, msg.Markdown.Text, "2026-10-19T09:30:00.000Z")
	assert.Contains(t, msg.Markdown.Text, "[查看](https://app.example/t/10)")
	assert.Contains(t, msg.Markdown.Text, "u-9")
}

func TestSubmit_SignedWebhookEndToEnd(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_, _ = w.Write([]byte(`{"errcode":0,"errmsg":"ok"}`))
	}))
	defer srv.Close()

	tracker := idempotency.New(store.NewMemory(), "submissions", 30*time.Second)
	d := &webhook.Dispatcher{Client: srv.Client(), Now: time.Now}
	svc := New(tracker, d, Options{WebhookURL: srv.URL + "/robot/send", Secret: "SEC1", Title: "任务完成"}, nil)

	_, err := svc.Submit(context.Background(), models.NotificationRequest{SourceID: "T2"})
	require.NoError(t, err)

	ts := gotQuery.Get("timestamp")
	require.NotEmpty(t, ts)
	mac := hmac.New(sha256.New, []byte("SEC1"))
	mac.Write([]byte(ts + "\nSEC1"))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), gotQuery.Get("sign"))
}

func TestSubmit_ClaimFailureIsStoreError(t *testing.T) {
	d := okDispatcher()
	kv := &failingKV{Memory: store.NewMemory(), failSetNX: true}
	svc, tracker := newServiceWithKV(d, kv)

	_, err := svc.Submit(context.Background(), models.NotificationRequest{SourceID: "T11"})
	var serr *StoreError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "claim", serr.Op)
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, 0, d.Calls())

	_, getErr := kv.Memory.Get(context.Background(), "submissions:T11")
	assert.ErrorIs(t, getErr, store.ErrNotFound)
	_, ok, err := tracker.Store.Lookup(context.Background(), "T11")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSubmit_FinalizeFailureIsStoreError(t *testing.T) {
	d := okDispatcher()
	kv := &failingKV{Memory: store.NewMemory(), failSwap: true}
	svc, tracker := newServiceWithKV(d, kv)

	_, err := svc.Submit(context.Background(), models.NotificationRequest{SourceID: "T12"})
	var serr *StoreError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "finalize", serr.Op)
	assert.Equal(t, 1, d.Calls())

	_, ok, err := tracker.Store.Lookup(context.Background(), "T12")
	require.NoError(t, err)
	assert.False(t, ok, "no finalized record after a failed finalize")
}

func TestSubmit_NoWebhookStoreFailure(t *testing.T) {
	d := okDispatcher()
	svc, _ := newServiceWithKV(d, &failingKV{Memory: store.NewMemory(), failSetNX: true})
	svc.Options.WebhookURL = ""

	_, err := svc.Submit(context.Background(), models.NotificationRequest{SourceID: "T13"})
	var serr *StoreError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "claim", serr.Op)
}

func TestSubmit_Delivered2xxWithUnreadableBody(t *testing.T) {
	d := &fakeDispatcher{
		outcome: models.DeliveryOutcome{Succeeded: true, StatusCode: 200, ResponseBody: `{"errcode":0`},
		err:     io.ErrUnexpectedEOF,
	}
	svc, _ := newService(d)
	ctx := context.Background()

	rec, err := svc.Submit(ctx, models.NotificationRequest{SourceID: "T14"})
	require.NoError(t, err)
	assert.True(t, rec.Done)

	_, err = svc.Submit(ctx, models.NotificationRequest{SourceID: "T14"})
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, 1, d.Calls(), "a delivered push is never sent twice")
}

func TestSubmit_TruncatedWebhookReplyEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\n{\"errcode\":0")
		_ = buf.Flush()
	}))
	defer srv.Close()

	tracker := idempotency.New(store.NewMemory(), "submissions", 30*time.Second)
	d := &webhook.Dispatcher{Client: srv.Client(), Now: time.Now}
	svc := New(tracker, d, Options{WebhookURL: srv.URL + "/robot/send", Title: "任务完成"}, nil)

	_, err := svc.Submit(context.Background(), models.NotificationRequest{SourceID: "T15"})
	require.NoError(t, err)
	_, ok, err := tracker.Lookup(context.Background(), "T15")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSubmit_LogsOneLinePerOutcome(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	failing := &fakeDispatcher{outcome: models.DeliveryOutcome{StatusCode: 400}}
	svc, _ := newService(failing)
	svc.Logger = zap.New(core)
	ctx := context.Background()

	_, _ = svc.Submit(ctx, models.NotificationRequest{SourceID: "L1"})
	failing.mu.Lock()
	failing.outcome = models.DeliveryOutcome{Succeeded: true, StatusCode: 200}
	failing.mu.Unlock()
	_, _ = svc.Submit(ctx, models.NotificationRequest{SourceID: "L1"})
	_, _ = svc.Submit(ctx, models.NotificationRequest{SourceID: "L1"})
	_, _ = svc.Submit(ctx, models.NotificationRequest{SourceID: ""})
	_, _ = svc.Status(ctx, "L1")

	entries := logs.All()
	require.Len(t, entries, 5)
	want := []struct {
		outcome string
		status  int64
		level   zapcore.Level
	}{
		{"dispatch_failed", 400, zapcore.WarnLevel},
		{"finalized", 200, zapcore.InfoLevel},
		{"duplicate", 0, zapcore.InfoLevel},
		{"invalid", 0, zapcore.InfoLevel},
		{"status", 0, zapcore.InfoLevel},
	}
	for i, w := range want {
		fields := entries[i].ContextMap()
		assert.Equal(t, w.outcome, fields["outcome"], "entry %d", i)
		assert.Equal(t, w.status, fields["status"], "entry %d", i)
		assert.Equal(t, w.level, entries[i].Level, "entry %d", i)
	}
	assert.Equal(t, true, entries[4].ContextMap()["done"])
}

func TestSubmit_StoreErrorLogsAtError(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	svc, _ := newServiceWithKV(okDispatcher(), &failingKV{Memory: store.NewMemory(), failSetNX: true})
	svc.Logger = zap.New(core)

	_, _ = svc.Submit(context.Background(), models.NotificationRequest{SourceID: "L2"})
	entries := logs.FilterField(zap.String("outcome", "store_error")).All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "L2", entries[0].ContextMap()["sid"])
}

func TestBuildMessage_Minimal(t *testing.T) {
	msg := BuildMessage("任务完成", models.NotificationRequest{SourceID: "S1"}, time.Date(2026, 1, 2, 3, 4, 5, 6000000, time.UTC))
	assert.Equal(t, "✅ **任务完成**\n- sid: S1\n- 备注: \n- 时间: 2026-01-02T03:04:05.006Z", msg.Markdown.Text)
	assert.False(t, strings.Contains(msg.Markdown.Text, "详情"))
}
