package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

var ErrorNoActiveShift = errors.New("no active shift")
