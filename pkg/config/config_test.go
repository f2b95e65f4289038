package config

import (
	"os"
	"testing"
	"time"
)

// 为了避免不同用例间互相污染，统一用 t.Setenv 设置环境变量
func setAllEnvs(t *testing.T) {
	t.Setenv("ADDR", ":9000")
	t.Setenv("MODE", "production")
	t.Setenv("WS_PATH", "/ws/")

	// 日志
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FILENAME", "app.log")
	t.Setenv("LOG_MAX_SIZE", "128")
	t.Setenv("LOG_MAX_AGE", "14")
	t.Setenv("LOG_MAX_BACKUPS", "7")

	// 管理后台
	t.Setenv("MANAGER_API_URL", "http://manager.local/xiaozhi/")
	t.Setenv("MANAGER_API_SECRET", "s3cret")
	t.Setenv("MANAGER_API_MAX_RETRIES", "3")
	t.Setenv("MANAGER_API_RETRY_DELAY", "2s")
	t.Setenv("MANAGER_API_TIMEOUT", "15s")

	// 设备
	t.Setenv("READ_CONFIG_FROM_API", "true")
	t.Setenv("WAKEUP_WORDS", "你好小智, 小爱同学 ,,")
	t.Setenv("ENABLE_GREETING", "false")

	// 视觉
	t.Setenv("VL_PROVIDER", "ollama")
	t.Setenv("VL_TEMPERATURE", "0.3")
	t.Setenv("VL_MAX_TOKENS", "120")
	t.Setenv("PHOTO_DIR", "/tmp/photos")
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	setAllEnvs(t)

	// 清空全局，避免前序测试污染
	GlobalConfig = nil

	if err := Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if GlobalConfig == nil {
		t.Fatalf("GlobalConfig is nil after Load")
	}
	if GlobalConfig.Server.Addr != ":9000" || GlobalConfig.Server.Mode != "production" || GlobalConfig.Server.WSPath != "/ws/" {
		t.Fatalf("server mismatch: %+v", GlobalConfig.Server)
	}
	if GlobalConfig.Log.Level != "debug" ||
		GlobalConfig.Log.Filename != "app.log" ||
		GlobalConfig.Log.MaxSize != 128 ||
		GlobalConfig.Log.MaxAge != 14 ||
		GlobalConfig.Log.MaxBackups != 7 {
		t.Fatalf("log config mismatch: %+v", GlobalConfig.Log)
	}

	api := GlobalConfig.ManagerAPI
	if api.URL != "http://manager.local/xiaozhi/" || api.Secret != "s3cret" {
		t.Fatalf("manager api mismatch: %+v", api)
	}
	if api.MaxRetries != 3 || api.RetryDelay != 2*time.Second || api.Timeout != 15*time.Second {
		t.Fatalf("manager api retry policy mismatch: %+v", api)
	}

	dev := GlobalConfig.Device
	if !dev.ReadConfigFromAPI || dev.EnableGreeting {
		t.Fatalf("device flags mismatch: %+v", dev)
	}
	if len(dev.WakeupWords) != 2 || dev.WakeupWords[0] != "你好小智" || dev.WakeupWords[1] != "小爱同学" {
		t.Fatalf("wakeup words=%q", dev.WakeupWords)
	}

	if GlobalConfig.VL.Provider != "ollama" || GlobalConfig.VL.Temperature != 0.3 || GlobalConfig.VL.MaxTokens != 120 {
		t.Fatalf("vl mismatch: %+v", GlobalConfig.VL)
	}
	if GlobalConfig.Photo.Dir != "/tmp/photos" {
		t.Fatalf("photo dir=%q", GlobalConfig.Photo.Dir)
	}
	if err := GlobalConfig.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	_ = os.Unsetenv("APP_ENV")
	for _, key := range []string{"MANAGER_API_URL", "MANAGER_API_SECRET", "MANAGER_API_MAX_RETRIES",
		"MANAGER_API_RETRY_DELAY", "MANAGER_API_TIMEOUT", "VL_TIMEOUT", "VL_MODEL", "READ_CONFIG_FROM_API",
		"ENABLE_GREETING", "WAKEUP_WORDS", "GREETING_TEXT"} {
		t.Setenv(key, "")
	}

	GlobalConfig = nil
	if err := Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	api := GlobalConfig.ManagerAPI
	if api.MaxRetries != 6 || api.RetryDelay != 10*time.Second || api.Timeout != 30*time.Second {
		t.Fatalf("default retry policy mismatch: %+v", api)
	}
	if api.Enabled() {
		t.Fatalf("manager api should be disabled without url and secret")
	}
	if GlobalConfig.VL.Timeout != 5*time.Second {
		t.Fatalf("VL timeout=%s, want 5s", GlobalConfig.VL.Timeout)
	}
	if GlobalConfig.VL.Model != "doubao-1.5-vision-pro-32k-250115" {
		t.Fatalf("VL model=%q", GlobalConfig.VL.Model)
	}
	if !GlobalConfig.Device.EnableGreeting || GlobalConfig.Device.GreetingText != "嘿，你好呀" {
		t.Fatalf("greeting defaults mismatch: %+v", GlobalConfig.Device)
	}
	if len(GlobalConfig.Device.WakeupWords) == 0 {
		t.Fatalf("default wakeup words missing")
	}
}

func TestValidate_ReadConfigFromAPIRequiresManager(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Addr: ":8000"},
		Device: DeviceConfig{ReadConfigFromAPI: true},
		Photo:  PhotoConfig{Dir: "data"},
		VL:     VLConfig{Timeout: time.Second},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		def  time.Duration
		want time.Duration
	}{
		{"", time.Second, time.Second},
		{"250ms", time.Second, 250 * time.Millisecond},
		{"bogus", 3 * time.Second, 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := parseDuration(tt.in, tt.def); got != tt.want {
				t.Errorf("parseDuration(%q)=%s, want %s", tt.in, got, tt.want)
			}
		})
	}
}
