package preprocess

import "errors"

var ErrInvalidImage = errors.New("preprocess: invalid image")
