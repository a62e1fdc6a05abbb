package download

import "errors"

// ErrTransferIncomplete ends a run that ran out of peers before every piece
// was verified.
var ErrTransferIncomplete = errors.New("transfer incomplete: no peers left")
