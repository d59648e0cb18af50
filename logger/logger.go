// Package logger provides adapters for popular logger libraries to work with btscan's Logger interface.
//
// The adapters allow you to use your existing logger with btscan without writing boilerplate.
// Note that the standard library's slog.Logger already implements btscan.Logger directly.
//
// Example with zap:
//
//	import (
//	    "btscan"
//	    "btscan/logger"
//	    "go.uber.org/zap"
//	)
//
//	func main() {
//	    zapLogger, _ := zap.NewProduction()
//
//	    idx, err := btscan.New(store, schema, btscan.WithLogger(logger.NewZap(zapLogger)))
//	    if err != nil {
//	        panic(err)
//	    }
//	    _ = idx
//	}
package logger
