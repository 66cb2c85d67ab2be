package trees

import "errors"

var (
	ErrInvalidPageID  = errors.New("page id cannot be the empty sentinel")
	ErrDuplicatePage  = errors.New("page already exists in index")
	ErrPageNotFound   = errors.New("page not found in index")
	ErrParentNotFound = errors.New("parent page not found in index")
	ErrCyclicMove     = errors.New("page cannot be moved below itself or one of its descendants")
)
