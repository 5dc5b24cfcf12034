package svc

import "errors"

// ErrNoTransport 错误：没有可用的 transport
var ErrNoTransport = errors.New("no exchange transport initialized")

// ErrStorageInitFailed 错误：存储初始化失败
var ErrStorageInitFailed = errors.New("storage initialization failed")
