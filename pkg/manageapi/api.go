package manageapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"
)

const (
	pathServerBase  = "/config/server-base"
	pathAgentModels = "/config/agent-models"
	pathSaveMemory  = "/agent/saveMemory/"
	pathChatReport  = "/agent/chat-history/report"
)

// ChatReport 一轮对话上报
type ChatReport struct {
	MacAddress string
	SessionID  string
	ChatType   int
	Content    string
	ReportTime int64
	Audio      []byte
}

// GetServerConfig 获取服务端基础配置
func (c *Client) GetServerConfig(ctx context.Context) (map[string]interface{}, error) {
	data, err := c.Call(ctx, http.MethodPost, pathServerBase, nil)
	if err != nil {
		return nil, err
	}
	return decodeObject(data)
}

// GetAgentModels 获取设备绑定智能体的模型配置
func (c *Client) GetAgentModels(ctx context.Context, macAddress, clientID string, selectedModule map[string]interface{}) (map[string]interface{}, error) {
	if selectedModule == nil {
		selectedModule = map[string]interface{}{}
	}
	data, err := c.Call(ctx, http.MethodPost, pathAgentModels, map[string]interface{}{
		"macAddress":     macAddress,
		"clientId":       clientID,
		"selectedModule": selectedModule,
	})
	if err != nil {
		return nil, err
	}
	return decodeObject(data)
}

// SaveMemory 保存短期记忆摘要，失败只记日志并返回 nil
func (c *Client) SaveMemory(ctx context.Context, macAddress, summaryMemory string) json.RawMessage {
	data, err := c.Call(ctx, http.MethodPut, pathSaveMemory+url.PathEscape(macAddress), map[string]interface{}{
		"summaryMemory": summaryMemory,
	})
	if err != nil {
		c.logger.Error("存储短期记忆到服务器失败", zap.String("mac", macAddress), zap.Error(err))
		return nil
	}
	return data
}

// Report 上报一轮对话记录，失败只记日志并返回 nil；内容为空不上报
func (c *Client) Report(ctx context.Context, r *ChatReport) json.RawMessage {
	if r == nil || r.Content == "" {
		return nil
	}
	body := map[string]interface{}{
		"macAddress": r.MacAddress,
		"sessionId":  r.SessionID,
		"chatType":   r.ChatType,
		"content":    r.Content,
		"reportTime": r.ReportTime,
	}
	if len(r.Audio) > 0 {
		body["audioBase64"] = base64.StdEncoding.EncodeToString(r.Audio)
	}
	data, err := c.Call(ctx, http.MethodPost, pathChatReport, body)
	if err != nil {
		c.logger.Error("聊天记录上报失败",
			zap.String("mac", r.MacAddress),
			zap.String("session_id", r.SessionID),
			zap.Int("chat_type", r.ChatType),
			zap.Error(err))
		return nil
	}
	return data
}

func decodeObject(data json.RawMessage) (map[string]interface{}, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	return out, nil
}
