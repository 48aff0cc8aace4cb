package ctnclient

import (
	"runtime"
	"strconv"
	"strings"
)

// LogFunc is a configurable logging function that can be set to enable debug logging.
// It receives the calling file:line, the calling function, a message and optional key-value pairs.
// Signatures and secrets are redacted before they reach it.
var LogFunc func(filename, funcname, msg string, keysAndVals ...any)

func debug(msg string, keysAndVals ...any) {
	if LogFunc == nil {
		return
	}

	pc, file, line, ok := runtime.Caller(1)
	if !ok {
		return
	}

	fileName := file[strings.LastIndex(file, "/")+1:] + ":" + strconv.Itoa(line)
	funcName := runtime.FuncForPC(pc).Name()
	funcName = funcName[strings.LastIndex(funcName, "/")+1:]

	LogFunc(fileName, funcName, msg, keysAndVals...)
}

// redactAuthorization keeps the credential part of an authorization value and masks the signature.
func redactAuthorization(auth string) string {
	idx := strings.Index(auth, ",Signature=")
	if idx < 0 {
		return auth
	}

	sig := auth[idx+len(",Signature="):]
	if len(sig) > 8 {
		sig = sig[:8]
	}

	return auth[:idx] + ",Signature=" + sig + "..."
}
