package server

import (
	"github.com/code-100-precent/lingecho-device/pkg/vl"
	"github.com/spf13/cast"
)

// mergeRemote 把管理后台下发的配置合并到当前快照，返回新快照
//
//	{
//	  "wakeup_words": ["你好小智"],
//	  "enable_greeting": false,
//	  "report_asr_enable": true,
//	  "selected_module": {"VLLM": "ChatGLMVLLM"},
//	  "VLLM": {"ChatGLMVLLM": {"type": "openai", "model_name": "glm-4v-flash", ...}}
//	}
func mergeRemote(cur *DeviceSnapshot, remote map[string]interface{}) *DeviceSnapshot {
	next := *cur
	next.WakeupWords = append([]string(nil), cur.WakeupWords...)
	next.SelectedModule = make(map[string]interface{}, len(cur.SelectedModule))
	for k, v := range cur.SelectedModule {
		next.SelectedModule[k] = v
	}

	if v, ok := remote["wakeup_words"]; ok {
		if words := cast.ToStringSlice(v); len(words) > 0 {
			next.WakeupWords = words
		}
	}
	if v, ok := remote["enable_greeting"]; ok {
		next.EnableGreeting = cast.ToBool(v)
	}
	if v, ok := remote["greeting_text"]; ok {
		if text := cast.ToString(v); text != "" {
			next.GreetingText = text
		}
	}
	if v, ok := remote["report_asr_enable"]; ok {
		next.ReportASREnabled = cast.ToBool(v)
	}
	if v, ok := remote["selected_module"]; ok {
		for k, mv := range cast.ToStringMap(v) {
			next.SelectedModule[k] = mv
		}
	}

	name := cast.ToString(next.SelectedModule["VLLM"])
	if name != "" {
		if block := cast.ToStringMap(cast.ToStringMap(remote["VLLM"])[name]); len(block) > 0 {
			settings := vl.SettingsFromMap(block)
			if settings.Timeout <= 0 {
				settings.Timeout = cur.VL.Timeout
			}
			if settings.Type == "" {
				settings.Type = name
			}
			next.VL = settings
			if prompt := cast.ToString(block["prompt"]); prompt != "" {
				next.VLPrompt = prompt
			}
		}
	}
	return &next
}
