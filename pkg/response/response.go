package response

import (
	"errors"
	"net/http"

	"github.com/code-100-precent/lingecho-device/pkg/manageapi"
	"github.com/gin-gonic/gin"
)

type Response struct {
	Code    int         `json:"code"` // 状态码，200 表示成功
	Message string      `json:"msg"`  // 响应的消息描述
	Data    interface{} `json:"data"` // 返回的数据，可以是任意类型
}

func Success(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"code": 200,
		"msg":  msg,
		"data": data,
	})
}

func Fail(c *gin.Context, msg string, data interface{}) {
	errorResponse := gin.H{
		"code": 500,
		"msg":  msg,
		"data": data,
	}

	if dataMap, ok := data.(gin.H); ok {
		if errorCode, exists := dataMap["error"]; exists {
			errorResponse["error"] = errorCode
		}
		if message, exists := dataMap["message"]; exists && msg == "" {
			errorResponse["msg"] = message
		}
	}

	c.JSON(http.StatusOK, errorResponse)
}

func Result(context *gin.Context, httpStatus int, code int, msg string, data gin.H) {
	context.JSON(httpStatus, gin.H{
		"code": code,
		"msg":  msg,
		"data": data,
	})
}

// AbortWithStatusJSON 中断请求，并把管理后台的错误类型翻译成错误码
func AbortWithStatusJSON(c *gin.Context, httpStatus int, err error) {
	errorResponse := gin.H{
		"code": httpStatus,
		"msg":  err.Error(),
		"data": nil,
	}

	var (
		cfgErr  *manageapi.ConfigError
		apiErr  *manageapi.APIError
		bindErr *manageapi.DeviceBindError
	)
	switch {
	case errors.As(err, &cfgErr):
		errorResponse["error"] = "CONFIG_ERROR"
	case errors.As(err, &bindErr):
		errorResponse["error"] = "DEVICE_BIND_PENDING"
		errorResponse["data"] = gin.H{"bind_code": bindErr.BindCode}
	case manageapi.IsDeviceNotFound(err):
		errorResponse["error"] = "DEVICE_NOT_FOUND"
	case errors.As(err, &apiErr):
		errorResponse["error"] = "API_ERROR"
	default:
		errorResponse["error"] = "UNKNOWN_ERROR"
	}

	c.AbortWithStatusJSON(httpStatus, errorResponse)
}
