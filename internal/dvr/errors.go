// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dvr

import "errors"

var (
	// ErrInvalidSearchOption marks a rule predicate that cannot be evaluated.
	// The rule contributes no candidates until it is corrected.
	ErrInvalidSearchOption = errors.New("invalid search option")

	// ErrProgramNotFound is returned when a manual reservation references a
	// program id that is not part of the current EPG.
	ErrProgramNotFound = errors.New("program not found")

	// ErrTimeRangeInvalid is returned for time ranges with endAt <= startAt.
	ErrTimeRangeInvalid = errors.New("time range invalid")

	// ErrChannelNotFound is returned when a time specified reservation names
	// an unknown channel.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrInvalidReserveRequest is returned for manual requests that carry
	// neither or both of a program id and a time range.
	ErrInvalidReserveRequest = errors.New("invalid reserve request")

	// ErrRecomputeAborted is returned when a cycle fails while resolving or
	// publishing. The previously published set stays in place.
	ErrRecomputeAborted = errors.New("recompute aborted")

	// ErrDispatchUnavailable is returned by dispatchers that could not reach
	// the capture backend. Instructions are queued by the dispatcher.
	ErrDispatchUnavailable = errors.New("dispatch unavailable")

	ErrReserveNotFound = errors.New("reserve not found")
	ErrRuleNotFound    = errors.New("rule not found")
	ErrAlreadyReserved = errors.New("program already reserved")
)
