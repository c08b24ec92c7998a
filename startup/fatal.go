package startup

import (
	"fmt"
	"io"
	"os"

	"github.com/ZenLiuCN/bootstrap"
	"go.uber.org/zap"
)

// Fatal is the single place a failed bootstrap ends the process.
type Fatal struct {
	Notify io.Writer      //user visible notification, default stderr
	Exit   func(code int) //replaces the abort when set
}

// Abort log err, notify, then abort the process.
func (f *Fatal) Abort(err error) {
	log := bootstrap.Logger()
	msg := fmt.Sprintf("INTERNAL FAILURE: %v", err)
	log.Error(msg, zap.Stringer("kind", bootstrap.KindOf(err)))
	_ = log.Sync()
	w := f.Notify
	if w == nil {
		w = os.Stderr
	}
	_, _ = fmt.Fprintln(w, msg)
	if f.Exit != nil {
		f.Exit(134)
		return
	}
	abort()
}
