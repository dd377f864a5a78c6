package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/suite"
)

// ErrorsTestSuite 错误包测试套件
type ErrorsTestSuite struct {
	suite.Suite
}

// 测试创建新错误
func (suite *ErrorsTestSuite) TestNew() {
	// 测试基本错误创建
	err := New(ErrInvalidParam)
	suite.NotNil(err)
	suite.Equal(ErrInvalidParam, err.Code)
	suite.Equal("无效的参数", err.Message)
	suite.Empty(err.Details)

	// 测试带详情的错误
	err = New(ErrConnection, "端口不存在")
	suite.Equal(ErrConnection, err.Code)
	suite.Equal("串口连接失败", err.Message)
	suite.Equal("端口不存在", err.Details)

	// 测试多个详情
	err = New(ErrCommandFailed, "写入失败", "行: 3", "文件: init.lua")
	suite.Equal("写入失败; 行: 3; 文件: init.lua", err.Details)
}

// 测试格式化错误创建
func (suite *ErrorsTestSuite) TestNewf() {
	err := Newf(ErrInvalidParam, "命令 %q 包含换行", "a\nb")
	suite.Equal(ErrInvalidParam, err.Code)
	suite.Equal(`命令 "a\nb" 包含换行`, err.Details)
}

// 测试错误包装
func (suite *ErrorsTestSuite) TestWrap() {
	originalErr := errors.New("input/output error")
	wrappedErr := Wrap(originalErr, ErrConnectionLost)
	suite.NotNil(wrappedErr)
	suite.Equal(ErrConnectionLost, wrappedErr.Code)
	suite.Equal("input/output error", wrappedErr.Details)
	suite.Equal(originalErr, wrappedErr.Cause)

	// 包装nil错误
	suite.Nil(Wrap(nil, ErrUnknown))

	// 包装已有的AppError，保留原始错误码
	appErr := New(ErrNotFound, "文件不存在")
	wrappedAppErr := Wrap(appErr, ErrCommandFailed, "下载失败")
	suite.Equal(ErrNotFound, wrappedAppErr.Code)
	suite.Contains(wrappedAppErr.Details, "下载失败")
}

// 测试格式化错误包装
func (suite *ErrorsTestSuite) TestWrapf() {
	originalErr := errors.New("no such file or directory")
	wrappedErr := Wrapf(originalErr, ErrConnection, "打开 %s 失败", "/dev/ttyUSB0")
	suite.Equal(ErrConnection, wrappedErr.Code)
	suite.Equal("打开 /dev/ttyUSB0 失败", wrappedErr.Details)
	suite.Equal(originalErr, wrappedErr.Cause)
}

// 测试错误码判断
func (suite *ErrorsTestSuite) TestIs() {
	err := New(ErrResponseTimeout)
	suite.True(Is(err, ErrResponseTimeout))
	suite.False(Is(err, ErrConnectionLost))
	suite.False(Is(nil, ErrResponseTimeout))
	suite.False(Is(errors.New("标准错误"), ErrUnknown))

	// 经过%w包装后仍可识别
	wrapped := fmt.Errorf("列出文件: %w", New(ErrConnectionLost))
	suite.True(Is(wrapped, ErrConnectionLost))
}

// 测试获取错误码
func (suite *ErrorsTestSuite) TestGetCode() {
	suite.Equal(ErrDeviceBusy, GetCode(New(ErrDeviceBusy)))
	suite.Equal(ErrUnknown, GetCode(errors.New("标准错误")))
	suite.Equal(ErrorCode(0), GetCode(nil))
	suite.Equal(ErrConnection, GetCode(fmt.Errorf("open: %w", New(ErrConnection))))
}

// 测试错误消息
func (suite *ErrorsTestSuite) TestError() {
	err := &AppError{
		Code:    ErrNotFound,
		Message: "资源未找到",
	}
	suite.Equal("[1002] 资源未找到", err.Error())

	err.Details = "init.lua"
	suite.Equal("[1002] 资源未找到: init.lua", err.Error())
}

// 测试Unwrap
func (suite *ErrorsTestSuite) TestUnwrap() {
	originalErr := errors.New("原始错误")
	wrappedErr := Wrap(originalErr, ErrUnknown)
	suite.Equal(originalErr, wrappedErr.Unwrap())
	suite.True(errors.Is(wrappedErr, originalErr))

	suite.Nil(New(ErrUnknown).Unwrap())
}

// 测试HTTP状态码映射
func (suite *ErrorsTestSuite) TestHTTPStatus() {
	testCases := []struct {
		code     ErrorCode
		expected int
	}{
		{ErrInvalidParam, 400},
		{ErrNotFound, 404},
		{ErrDeviceBusy, 409},
		{ErrNoResult, 422},
		{ErrCommandFailed, 502},
		{ErrConnection, 503},
		{ErrConnectionLost, 503},
		{ErrResponseTimeout, 504},
		{ErrUnexpectedFault, 500},
		{ErrUnknown, 500},
	}

	for _, tc := range testCases {
		err := New(tc.code)
		suite.Equal(tc.expected, err.HTTPStatus(), "错误码 %d 应该返回HTTP状态码 %d", tc.code, tc.expected)
	}
}

// 测试可重试判断
func (suite *ErrorsTestSuite) TestIsRetryable() {
	for _, code := range []ErrorCode{ErrResponseTimeout, ErrConnectionLost, ErrDeviceBusy} {
		suite.True(IsRetryable(New(code)), "错误码 %d 应该是可重试的", code)
	}
	for _, code := range []ErrorCode{ErrInvalidParam, ErrNoResult, ErrConnection} {
		suite.False(IsRetryable(New(code)), "错误码 %d 不应该是可重试的", code)
	}
	suite.False(IsRetryable(nil))
}

// 测试调用栈捕获
func (suite *ErrorsTestSuite) TestStackCapture() {
	err := New(ErrUnknown)
	suite.NotEmpty(err.Stack)
}

// 测试错误响应
func (suite *ErrorsTestSuite) TestErrorResponse() {
	err := New(ErrNotFound, "init.lua")
	response := NewErrorResponse(err, "req-123")

	suite.False(response.Success)
	suite.Equal(err, response.Error)
	suite.Equal("req-123", response.RequestID)
	suite.Greater(response.Timestamp, int64(0))
	suite.False(response.Retryable)

	suite.True(NewErrorResponse(New(ErrDeviceBusy), "").Retryable)
}

// 测试未知错误码
func (suite *ErrorsTestSuite) TestUnknownErrorCode() {
	err := New(ErrorCode(99999))
	suite.Equal(ErrorCode(99999), err.Code)
	suite.Equal("未知错误", err.Message)
}

// 测试设备通道错误消息
func (suite *ErrorsTestSuite) TestChannelErrors() {
	channelErrors := map[ErrorCode]string{
		ErrConnection:      "串口连接失败",
		ErrConnectionLost:  "设备连接已断开",
		ErrResponseTimeout: "设备响应超时",
		ErrNoResult:        "设备未返回结果",
		ErrUnexpectedFault: "意外故障",
		ErrDeviceBusy:      "设备忙",
		ErrCommandFailed:   "设备命令执行失败",
		ErrPortEnumerate:   "串口枚举失败",
	}

	for code, expectedMsg := range channelErrors {
		suite.Equal(expectedMsg, New(code).Message)
	}
}

func (suite *ErrorsTestSuite) TestFromError() {
	suite.Nil(FromError(nil))

	appErr := New(ErrDeviceBusy)
	suite.Same(appErr, FromError(fmt.Errorf("runner: %w", appErr)))

	plain := FromError(errors.New("boom"))
	suite.Equal(ErrUnknown, plain.Code)
	suite.Equal("boom", plain.Details)
}

func TestErrorsSuite(t *testing.T) {
	suite.Run(t, new(ErrorsTestSuite))
}
