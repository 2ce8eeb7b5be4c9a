package errorutil

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	logutil "github.com/ikenchina/xatm/common/log"
)

// Recovery logs the panic of the goroutine named name. It only works
// deferred directly.
func Recovery(name string) {
	if r := recover(); r != nil {
		logPanic(name, r)
	}
}

// RecoverError turns the panic of the goroutine named name into *err. It
// only works deferred directly.
func RecoverError(name string, err *error) {
	if r := recover(); r != nil {
		logPanic(name, r)
		*err = fmt.Errorf("%s : panic : %v", name, r)
	}
}

func logPanic(name string, r interface{}) {
	logutil.Logger(context.Background()).Error("panic recovered",
		zap.String("goroutine", name), zap.Any("panic", r), zap.Stack("stack"))
}

// SafeGoroutine runs fn and logs its panic instead of crashing the process.
func SafeGoroutine(name string, fn func()) {
	defer Recovery(name)
	fn()
}

// PanicIfError is for start up code where an error leaves nothing to run.
func PanicIfError(err error) {
	if err == nil {
		return
	}
	logutil.Logger(context.Background()).Error("unrecoverable error", zap.Error(err))
	logutil.Sync()
	panic(err)
}
