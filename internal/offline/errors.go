package offline

import "errors"

// ErrDrainInProgress is returned by Drain when another pass is running.
var ErrDrainInProgress = errors.New("offline queue drain already in progress")
