package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/code-100-precent/lingecho-device/pkg/hardware/sessions"
	"github.com/code-100-precent/lingecho-device/pkg/photo"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConn struct {
	in        chan frame
	closed    chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	out []frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan frame, 64), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.in:
		return f.messageType, f.data, nil
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	c.mu.Lock()
	c.out = append(c.out, frame{messageType: messageType, data: data})
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sendText(s string) {
	c.in <- frame{messageType: websocket.TextMessage, data: []byte(s)}
}

func (c *fakeConn) sendBinary(b []byte) {
	c.in <- frame{messageType: websocket.BinaryMessage, data: b}
}

func (c *fakeConn) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, f := range c.out {
		if f.messageType == websocket.TextMessage {
			out = append(out, string(f.data))
		}
	}
	return out
}

// waitTexts 等待至少 n 条文本输出
func (c *fakeConn) waitTexts(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.texts()) >= n }, 2*time.Second, 5*time.Millisecond,
		"want %d messages, got %v", n, c.texts())
	return c.texts()
}

func decode(t *testing.T, s string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(s), &m), s)
	return m
}

type recorder struct {
	mu       sync.Mutex
	chats    []string
	reports  []string
	ingests  [][]byte
	descs    int
	states   int
	updates  int
	restarts int

	updateErr  error
	restartErr error
}

func (r *recorder) StartChat(ctx context.Context, s *HardwareSession, text string) error {
	r.mu.Lock()
	r.chats = append(r.chats, text)
	r.mu.Unlock()
	return nil
}

func (r *recorder) IngestAudio(ctx context.Context, s *HardwareSession, frame []byte) error {
	r.mu.Lock()
	r.ingests = append(r.ingests, frame)
	r.mu.Unlock()
	if len(frame) == 0 {
		s.Capture().TakeAudio()
	}
	return nil
}

func (r *recorder) EnqueueASR(macAddress, sessionID, text string, audio [][]byte) bool {
	r.mu.Lock()
	r.reports = append(r.reports, text)
	r.mu.Unlock()
	return true
}

func (r *recorder) HandleDescriptors(ctx context.Context, s *HardwareSession, descriptors json.RawMessage) error {
	r.mu.Lock()
	r.descs++
	r.mu.Unlock()
	return nil
}

func (r *recorder) HandleStates(ctx context.Context, s *HardwareSession, states json.RawMessage) error {
	r.mu.Lock()
	r.states++
	r.mu.Unlock()
	return nil
}

func (r *recorder) UpdateConfig(ctx context.Context) error {
	r.mu.Lock()
	r.updates++
	r.mu.Unlock()
	return r.updateErr
}

func (r *recorder) Restart(ctx context.Context) error {
	r.mu.Lock()
	r.restarts++
	r.mu.Unlock()
	return r.restartErr
}

type recorded struct {
	chats    []string
	reports  []string
	ingests  [][]byte
	descs    int
	states   int
	updates  int
	restarts int
}

func (r *recorder) snapshot() recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorded{
		chats:    append([]string(nil), r.chats...),
		reports:  append([]string(nil), r.reports...),
		ingests:  append([][]byte(nil), r.ingests...),
		descs:    r.descs,
		states:   r.states,
		updates:  r.updates,
		restarts: r.restarts,
	}
}

func testConfig() SessionConfig {
	return SessionConfig{
		WakeupWords:       sessions.NewWakeupWords([]string{"你好小智", "小爱同学"}),
		EnableGreeting:    true,
		GreetingText:      "嘿，你好呀",
		ReadConfigFromAPI: true,
		Secret:            "s3cret",
		ReportEnabled:     true,
	}
}

func startSession(t *testing.T, cfg SessionConfig, rec *recorder, modify func(o *HardwareSessionOption)) (*HardwareSession, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	opt := &HardwareSessionOption{
		Conn:          conn,
		Logger:        zap.NewNop(),
		DeviceID:      "aa:bb:cc:dd:ee:ff",
		ClientID:      "client-1",
		Config:        cfg,
		ChatStarter:   rec,
		AudioIngester: rec,
		IoTHandler:    rec,
		Reporter:      rec,
		ServerControl: rec,
	}
	if modify != nil {
		modify(opt)
	}
	s := NewHardwareSession(context.Background(), opt)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return s, conn
}

func TestHandleText_EchoesMalformedAndIntegers(t *testing.T) {
	_, conn := startSession(t, testConfig(), &recorder{}, nil)

	conn.sendText(`{"type":"hello",`)
	conn.sendText(`42`)
	conn.sendText(`"just a string"`)
	conn.sendText(`[1,2]`)
	conn.sendText(`3.5`)
	conn.sendText(`{"type":"ping"}`)

	out := conn.waitTexts(t, 3)
	assert.Equal(t, `{"type":"hello",`, out[0])
	assert.Equal(t, `42`, out[1])
	assert.Equal(t, "pong", decode(t, out[2])["type"])
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, conn.texts(), 3)
}

func TestListen_StopFlushesOnce(t *testing.T) {
	rec := &recorder{}
	s, conn := startSession(t, testConfig(), rec, nil)

	conn.sendText(`{"type":"listen","state":"start","mode":"manual"}`)
	conn.sendBinary([]byte{1, 2, 3})
	conn.sendBinary([]byte{4, 5})
	conn.sendText(`{"type":"listen","state":"stop"}`)
	conn.sendText(`{"type":"listen","state":"stop"}`)
	conn.sendText(`{"type":"ping"}`)
	conn.waitTexts(t, 1)

	got := rec.snapshot()
	require.Len(t, got.ingests, 3)
	assert.Equal(t, []byte{1, 2, 3}, got.ingests[0])
	assert.Empty(t, got.ingests[2])
	st := s.Capture().State()
	assert.True(t, st.HasVoice)
	assert.True(t, st.VoiceStopped)
	assert.Equal(t, "manual", st.ListenMode)
}

func TestListen_DetectResetsCapture(t *testing.T) {
	rec := &recorder{}
	s, conn := startSession(t, testConfig(), rec, nil)
	s.Capture().SetServerReceiving(true)

	conn.sendText(`{"type":"listen","state":"start"}`)
	conn.sendBinary([]byte{9, 9})
	conn.sendText(`{"type":"listen","state":"detect"}`)
	conn.sendText(`{"type":"ping"}`)
	conn.waitTexts(t, 1)

	st := s.Capture().State()
	assert.False(t, st.ServerIsReceiving)
	assert.False(t, st.HasVoice)
	assert.Zero(t, st.BufferedFrames)
	assert.Empty(t, rec.snapshot().chats)
}

func TestListen_WakeWordGreetingDisabled(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.EnableGreeting = false
	s, conn := startSession(t, cfg, rec, nil)

	conn.sendText(`{"type":"listen","state":"detect","text":"你好，小智！"}`)
	out := conn.waitTexts(t, 2)

	stt := decode(t, out[0])
	assert.Equal(t, "stt", stt["type"])
	assert.Equal(t, "你好小智", stt["text"])
	assert.Equal(t, s.SessionID(), stt["session_id"])
	tts := decode(t, out[1])
	assert.Equal(t, "tts", tts["type"])
	assert.Equal(t, "stop", tts["state"])

	got := rec.snapshot()
	assert.Empty(t, got.chats)
	assert.Empty(t, got.reports)
}

func TestListen_WakeWordGreetingEnabled(t *testing.T) {
	rec := &recorder{}
	_, conn := startSession(t, testConfig(), rec, nil)

	conn.sendText(`{"type":"listen","state":"detect","text":"小爱同学"}`)
	require.Eventually(t, func() bool { return len(rec.snapshot().chats) == 1 }, time.Second, 5*time.Millisecond)
	got := rec.snapshot()
	assert.Equal(t, []string{"嘿，你好呀"}, got.chats)
	assert.Equal(t, []string{"嘿，你好呀"}, got.reports)
	assert.Empty(t, conn.texts())
}

func TestListen_TextStartsChat(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(cfg *SessionConfig)
		bindPending bool
		reported    bool
	}{
		{"reported", nil, false, true},
		{"bind pending", nil, true, false},
		{"report disabled", func(cfg *SessionConfig) { cfg.ReportEnabled = false }, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			cfg := testConfig()
			if tt.modify != nil {
				tt.modify(&cfg)
			}
			s, conn := startSession(t, cfg, rec, nil)
			s.SetBindPending(tt.bindPending)

			conn.sendText(`{"type":"listen","state":"detect","text":"今天天气怎么样？"}`)
			require.Eventually(t, func() bool { return len(rec.snapshot().chats) == 1 }, time.Second, 5*time.Millisecond)
			got := rec.snapshot()
			assert.Equal(t, []string{"今天天气怎么样？"}, got.chats)
			if tt.reported {
				assert.Equal(t, []string{"今天天气怎么样？"}, got.reports)
			} else {
				assert.Empty(t, got.reports)
			}
		})
	}
}

type fakeAnalyzer struct {
	release chan struct{}
	resp    *photo.Response
	panics  bool
	jobs    chan *photo.Job
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, job *photo.Job) *photo.Response {
	if f.jobs != nil {
		f.jobs <- job
	}
	if f.release != nil {
		<-f.release
	}
	if f.panics {
		panic("detector exploded")
	}
	return f.resp
}

func TestIoT_CameraPhotoAckThenResult(t *testing.T) {
	region := 4
	analyzer := &fakeAnalyzer{
		release: make(chan struct{}),
		jobs:    make(chan *photo.Job, 1),
		resp: &photo.Response{
			Type:                "iot",
			SessionID:           "dev-sess",
			CameraPhotoResponse: &photo.PhotoResponse{Status: "success", Message: "检测到1个人体", RegionIndex: &region},
		},
	}
	_, conn := startSession(t, testConfig(), &recorder{}, func(o *HardwareSessionOption) { o.PhotoAnalyzer = analyzer })

	conn.sendText(`{"type":"iot","session_id":"dev-sess","camera_photo":{"width":640,"height":480,"format":"jpg","data":"aGVsbG8="}}`)
	job := <-analyzer.jobs
	assert.Equal(t, 640, job.Width)
	assert.Equal(t, "aGVsbG8=", job.Data)
	assert.Equal(t, "dev-sess", job.SessionID)

	// 任务阻塞时读循环仍然可以处理新消息
	conn.sendText(`{"type":"ping"}`)
	out := conn.waitTexts(t, 2)
	ack := decode(t, out[0])
	assert.Equal(t, "iot", ack["type"])
	assert.Equal(t, "dev-sess", ack["session_id"])
	assert.Equal(t, "processing", ack["camera_photo_response"].(map[string]interface{})["status"])
	assert.Equal(t, "pong", decode(t, out[1])["type"])

	close(analyzer.release)
	out = conn.waitTexts(t, 3)
	result := decode(t, out[2])["camera_photo_response"].(map[string]interface{})
	assert.Equal(t, "success", result["status"])
	assert.EqualValues(t, 4, result["region_index"])
}

func TestIoT_CameraPhotoPanicBecomesErrorResponse(t *testing.T) {
	analyzer := &fakeAnalyzer{panics: true}
	_, conn := startSession(t, testConfig(), &recorder{}, func(o *HardwareSessionOption) { o.PhotoAnalyzer = analyzer })

	conn.sendText(`{"type":"iot","camera_photo":{"data":"aGVsbG8="}}`)
	out := conn.waitTexts(t, 2)
	errResp := decode(t, out[1])
	assert.NotContains(t, errResp, "session_id")
	cpr := errResp["camera_photo_response"].(map[string]interface{})
	assert.Equal(t, "error", cpr["status"])
	assert.Contains(t, cpr["message"], "detector exploded")

	conn.sendText(`{"type":"ping"}`)
	out = conn.waitTexts(t, 3)
	assert.Equal(t, "pong", decode(t, out[2])["type"])
}

func TestIoT_PhotoWithSuppressedResultSendsOnlyAck(t *testing.T) {
	analyzer := &fakeAnalyzer{jobs: make(chan *photo.Job, 1)}
	_, conn := startSession(t, testConfig(), &recorder{}, func(o *HardwareSessionOption) { o.PhotoAnalyzer = analyzer })

	conn.sendText(`{"type":"iot","camera_photo":{"data":"aGVsbG8="}}`)
	<-analyzer.jobs
	conn.sendText(`{"type":"ping"}`)
	conn.waitTexts(t, 2)
	time.Sleep(20 * time.Millisecond)
	out := conn.texts()
	require.Len(t, out, 2)
	assert.Equal(t, "pong", decode(t, out[1])["type"])
}

func TestIoT_DescriptorsAndStates(t *testing.T) {
	rec := &recorder{}
	_, conn := startSession(t, testConfig(), rec, nil)

	conn.sendText(`{"type":"iot","descriptors":[{"name":"Speaker"}],"states":[{"name":"Speaker","state":{"volume":50}}]}`)
	require.Eventually(t, func() bool {
		got := rec.snapshot()
		return got.descs == 1 && got.states == 1
	}, time.Second, 5*time.Millisecond)
}

func TestServer_NotFromAPIIsIgnored(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.ReadConfigFromAPI = false
	_, conn := startSession(t, cfg, rec, nil)

	conn.sendText(`{"type":"server","action":"update_config","content":{"secret":"s3cret"}}`)
	conn.sendText(`{"type":"ping"}`)
	out := conn.waitTexts(t, 1)
	assert.Equal(t, "pong", decode(t, out[0])["type"])
	assert.Zero(t, rec.snapshot().updates)
}

func TestServer_WrongSecretRejected(t *testing.T) {
	for _, body := range []string{
		`{"type":"server","action":"update_config","content":{"secret":"nope"}}`,
		`{"type":"server","action":"restart"}`,
	} {
		rec := &recorder{}
		_, conn := startSession(t, testConfig(), rec, nil)
		conn.sendText(body)
		out := conn.waitTexts(t, 1)
		assert.JSONEq(t, `{"type":"server","status":"error","message":"服务器密钥验证失败"}`, out[0])
		time.Sleep(20 * time.Millisecond)
		got := rec.snapshot()
		assert.Zero(t, got.updates)
		assert.Zero(t, got.restarts)
	}
}

func TestServer_UpdateConfig(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		nilCtrl bool
		want    string
	}{
		{"success", nil, false, `{"type":"config_update_response","status":"success","message":"配置更新成功"}`},
		{"not updated", ErrConfigNotUpdated, false, `{"type":"config_update_response","status":"error","message":"更新服务器配置失败"}`},
		{"exception", errors.New("boom"), false, `{"type":"config_update_response","status":"error","message":"更新配置失败: boom"}`},
		{"no server", nil, true, `{"type":"config_update_response","status":"error","message":"无法获取服务器实例"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{updateErr: tt.err}
			_, conn := startSession(t, testConfig(), rec, func(o *HardwareSessionOption) {
				if tt.nilCtrl {
					o.ServerControl = nil
				}
			})
			conn.sendText(`{"type":"server","action":"update_config","content":{"secret":"s3cret"}}`)
			out := conn.waitTexts(t, 1)
			assert.JSONEq(t, tt.want, out[0])
		})
	}
}

func TestServer_Restart(t *testing.T) {
	rec := &recorder{}
	_, conn := startSession(t, testConfig(), rec, nil)
	conn.sendText(`{"type":"server","action":"restart","content":{"secret":"s3cret"}}`)
	out := conn.waitTexts(t, 1)
	assert.JSONEq(t, `{"type":"server","status":"success","message":"服务器重启中...","content":{"action":"restart"}}`, out[0])
	require.Eventually(t, func() bool { return rec.snapshot().restarts == 1 }, time.Second, 5*time.Millisecond)

	failing := &recorder{restartErr: errors.New("exec denied")}
	_, conn = startSession(t, testConfig(), failing, nil)
	conn.sendText(`{"type":"server","action":"restart","content":{"secret":"s3cret"}}`)
	out = conn.waitTexts(t, 2)
	assert.JSONEq(t, `{"type":"server","status":"error","message":"Restart failed: exec denied","content":{"action":"restart"}}`, out[1])
}

func TestHelloAndAbort(t *testing.T) {
	s, conn := startSession(t, testConfig(), &recorder{}, nil)
	initial := s.SessionID()
	require.NotEmpty(t, initial)
	assert.False(t, s.Ready())

	conn.sendText(`{"type":"hello","version":1,"transport":"websocket","audio_params":{"format":"opus","sample_rate":24000,"channels":1,"frame_duration":20}}`)
	out := conn.waitTexts(t, 1)
	hello := decode(t, out[0])
	assert.Equal(t, "hello", hello["type"])
	assert.Equal(t, "websocket", hello["transport"])
	params := hello["audio_params"].(map[string]interface{})
	assert.EqualValues(t, 24000, params["sample_rate"])
	assert.EqualValues(t, 20, params["frame_duration"])
	assert.NotEqual(t, initial, hello["session_id"])
	assert.Equal(t, hello["session_id"], s.SessionID())
	assert.True(t, s.Ready())

	conn.sendText(`{"type":"abort"}`)
	out = conn.waitTexts(t, 3)
	assert.JSONEq(t, `{"type":"tts","state":"stop","session_id":"`+s.SessionID()+`"}`, out[1])
	assert.JSONEq(t, `{"type":"abort","state":"confirmed","session_id":"`+s.SessionID()+`"}`, out[2])
}

func TestDefaultIoTHandlerKeepsLatest(t *testing.T) {
	s, conn := startSession(t, testConfig(), &recorder{}, func(o *HardwareSessionOption) { o.IoTHandler = nil })
	conn.sendText(`{"type":"iot","states":[{"name":"Lamp","state":{"power":true}}]}`)
	defaults := s.config.IoTHandler.(*defaultCollaborators)
	require.Eventually(t, func() bool {
		_, states := defaults.IoTSnapshot()
		return len(states) > 0
	}, time.Second, 5*time.Millisecond)
	_, states := defaults.IoTSnapshot()
	assert.JSONEq(t, `[{"name":"Lamp","state":{"power":true}}]`, string(states))
}

func TestStop_EndsSession(t *testing.T) {
	s, conn := startSession(t, testConfig(), &recorder{}, nil)
	require.NoError(t, conn.Close())
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop after connection closed")
	}
	assert.False(t, s.Go("late", func(ctx context.Context) error { return nil }, nil))
	assert.ErrorIs(t, s.SendJSON(map[string]string{"type": "ping"}), ErrWriterClosed)
}

func TestSession_OverRealWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := NewHardwareSession(r.Context(), &HardwareSessionOption{Conn: conn, Logger: zap.NewNop(), Config: testConfig()})
		_ = s.Start()
		<-s.Done()
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+srv.URL[4:], nil)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello","version":1}`)))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("hello? <not json>")))

	_, first, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "hello", decode(t, string(first))["type"])
	mt, second, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, "hello? <not json>", string(second))
}
