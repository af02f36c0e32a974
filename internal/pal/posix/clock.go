package posix

import (
	"time"

	"github.com/barnettlynn/esfs/internal/pal"
)

// Clock implements pal.Clock against the real wall clock.
type Clock struct{}

func (Clock) Now() time.Time        { return time.Now() }
func (Clock) Sleep(d time.Duration) { time.Sleep(d) }

var _ pal.Clock = Clock{}
