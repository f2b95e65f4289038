package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/code-100-precent/lingecho-device/pkg/cache"
	"github.com/code-100-precent/lingecho-device/pkg/config"
	"github.com/code-100-precent/lingecho-device/pkg/hardware/protocol"
	"github.com/code-100-precent/lingecho-device/pkg/manageapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Server:     config.ServerConfig{Addr: ":0"},
		ManagerAPI: config.ManagerAPIConfig{Secret: "s3cret"},
		Device: config.DeviceConfig{
			ReadConfigFromAPI:   true,
			WakeupWords:         []string{"你好小智"},
			EnableGreeting:      true,
			GreetingText:        "嘿，你好呀",
			ReportASREnabled:    true,
			AgentModelsCacheTTL: time.Minute,
		},
		Photo: config.PhotoConfig{Dir: t.TempDir()},
		VL:    config.VLConfig{Provider: "openai", Model: "vision", Timeout: 5 * time.Second},
	}
}

func envelope(w http.ResponseWriter, code int, msg string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"code": code, "msg": msg, "data": data})
}

func newAPI(t *testing.T, handler http.HandlerFunc) *manageapi.Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := manageapi.NewClient(&manageapi.Config{BaseURL: srv.URL, Secret: "s3cret", MaxRetries: 1, RetryDelay: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestUpdateConfig_MergesRemote(t *testing.T) {
	api := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/config/server-base", r.URL.Path)
		envelope(w, 0, "ok", map[string]interface{}{
			"wakeup_words":      []string{"小爱同学", "喵喵同学"},
			"enable_greeting":   false,
			"report_asr_enable": "false",
			"selected_module":   map[string]interface{}{"VLLM": "DoubaoVLLM"},
			"VLLM": map[string]interface{}{
				"DoubaoVLLM": map[string]interface{}{
					"type":        "openai",
					"api_url":     "https://ark.cn-beijing.volces.com/api/v3",
					"api_key":     "k",
					"model_name":  "doubao-vision",
					"temperature": 0.5,
					"max_tokens":  120,
				},
			},
		})
	})
	c := cache.NewGoCache(cache.LocalConfig{})
	require.NoError(t, c.Set(context.Background(), agentModelsKey("m", "c"), map[string]interface{}{"stale": true}, 0))

	s, err := New(Options{Config: testConfig(t), API: api, Cache: c, Logger: zap.NewNop()})
	require.NoError(t, err)
	defer s.Close()
	before := s.Snapshot()

	require.NoError(t, s.UpdateConfig(context.Background()))
	snap := s.Snapshot()
	assert.Equal(t, []string{"小爱同学", "喵喵同学"}, snap.WakeupWords)
	assert.False(t, snap.EnableGreeting)
	assert.False(t, snap.ReportASREnabled)
	assert.Equal(t, "doubao-vision", snap.VL.Model)
	assert.Equal(t, 120, snap.VL.MaxTokens)
	assert.Equal(t, 5*time.Second, snap.VL.Timeout)
	assert.Equal(t, "DoubaoVLLM", snap.SelectedModule["VLLM"])
	assert.False(t, c.Exists(context.Background(), agentModelsKey("m", "c")))

	// 旧快照不受影响
	assert.Equal(t, []string{"你好小智"}, before.WakeupWords)
	assert.True(t, before.EnableGreeting)

	opt := s.SessionOption(context.Background(), "aa:bb", "client")
	assert.True(t, opt.Config.WakeupWords.Contains("小爱同学"))
	assert.False(t, opt.Config.WakeupWords.Contains("你好小智"))
	assert.False(t, opt.Config.ReportEnabled)
	assert.Equal(t, "s3cret", opt.Config.Secret)
}

func TestUpdateConfig_Failures(t *testing.T) {
	s, err := New(Options{Config: testConfig(t), Logger: zap.NewNop()})
	require.NoError(t, err)
	assert.ErrorIs(t, s.UpdateConfig(context.Background()), protocol.ErrConfigNotUpdated)

	api := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
		envelope(w, 500, "internal", nil)
	})
	s, err = New(Options{Config: testConfig(t), API: api, Logger: zap.NewNop()})
	require.NoError(t, err)
	defer s.Close()
	before := s.Snapshot()
	assert.ErrorIs(t, s.UpdateConfig(context.Background()), protocol.ErrConfigNotUpdated)
	assert.Same(t, before, s.Snapshot())
}

func TestAgentModels_Cached(t *testing.T) {
	var hits int32
	api := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "aa:bb", body["macAddress"])
		assert.Equal(t, "client", body["clientId"])
		envelope(w, 0, "ok", map[string]interface{}{"LLM": "ChatGLMLLM"})
	})
	s, err := New(Options{Config: testConfig(t), API: api, Logger: zap.NewNop()})
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 3; i++ {
		models, err := s.AgentModels(context.Background(), "aa:bb", "client")
		require.NoError(t, err)
		assert.Equal(t, "ChatGLMLLM", models["LLM"])
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestAgentModels_BindPending(t *testing.T) {
	api := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
		envelope(w, manageapi.CodeDeviceBind, "654321", nil)
	})
	s, err := New(Options{Config: testConfig(t), API: api, Logger: zap.NewNop()})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.AgentModels(context.Background(), "aa:bb", "client")
	code, ok := manageapi.IsDeviceBindPending(err)
	assert.True(t, ok)
	assert.Equal(t, "654321", code)
}

func TestRestart_ExecutesAfterDelay(t *testing.T) {
	executed := make(chan struct{}, 2)
	s, err := New(Options{
		Config:       testConfig(t),
		Logger:       zap.NewNop(),
		RestartDelay: 10 * time.Millisecond,
		Exec: func() error {
			executed <- struct{}{}
			return errors.New("exec not permitted")
		},
	})
	require.NoError(t, err)

	require.NoError(t, s.Restart(context.Background()))
	assert.ErrorIs(t, s.Restart(context.Background()), ErrRestartPending)
	select {
	case <-executed:
	case <-time.After(time.Second):
		t.Fatal("restart was not executed")
	}
	// 失败后允许再次重启
	require.Eventually(t, func() bool { return s.Restart(context.Background()) == nil }, time.Second, 5*time.Millisecond)
}

func TestRestart_FailedExecKeepsReporting(t *testing.T) {
	reported := make(chan string, 4)
	api := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if content, ok := body["content"].(string); ok {
			reported <- content
		}
		envelope(w, 0, "ok", nil)
	})
	var execs int32
	s, err := New(Options{
		Config:       testConfig(t),
		API:          api,
		Logger:       zap.NewNop(),
		RestartDelay: 10 * time.Millisecond,
		Exec: func() error {
			atomic.AddInt32(&execs, 1)
			return errors.New("exec not permitted")
		},
	})
	require.NoError(t, err)
	defer s.Close()

	opt := s.SessionOption(context.Background(), "aa:bb", "client")
	require.NotNil(t, opt.Reporter)
	require.True(t, opt.Reporter.EnqueueASR("aa:bb", "s1", "重启前", nil))

	require.NoError(t, s.Restart(context.Background()))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&execs) == 1 && !s.RestartPending()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "重启前", <-reported)

	opt = s.SessionOption(context.Background(), "aa:bb", "client")
	assert.True(t, opt.Config.ReportEnabled)
	require.True(t, opt.Reporter.EnqueueASR("aa:bb", "s1", "重启失败后", nil))
	select {
	case content := <-reported:
		assert.Equal(t, "重启失败后", content)
	case <-time.After(2 * time.Second):
		t.Fatal("report after failed restart was not delivered")
	}
}

func TestSessionOption_WithoutAPI(t *testing.T) {
	s, err := New(Options{Config: testConfig(t), Logger: zap.NewNop()})
	require.NoError(t, err)
	opt := s.SessionOption(context.Background(), "aa:bb", "client")
	assert.Nil(t, opt.Reporter)
	assert.False(t, opt.Config.ReportEnabled)
	assert.True(t, opt.Config.ReadConfigFromAPI)
	assert.NotNil(t, opt.PhotoAnalyzer)
	assert.Equal(t, "aa:bb", opt.DeviceID)
}

func TestNew_DescriberOnlyWithCredentials(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(Options{Config: cfg, Logger: zap.NewNop()})
	require.NoError(t, err)
	assert.Nil(t, s.describer(s.Snapshot()))

	snap := *s.Snapshot()
	snap.VL.APIKey = "key"
	assert.NotNil(t, s.describer(&snap))

	snap.VL.Type = "unknown"
	assert.Nil(t, s.describer(&snap))
}
