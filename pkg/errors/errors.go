// Package errors re-exports github.com/cockroachdb/errors so the rest of the
// backend wraps, inspects and annotates errors through one import.
//
//	if err := store.Append(ctx, entry); err != nil {
//	    return errors.Wrap(err, "append audit entry")
//	}
//
//	return errors.WithHint(ErrValidation, "enter a question to search for evidence")
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

var (
	Is           = crdb.Is
	IsAny        = crdb.IsAny
	As           = crdb.As
	Unwrap       = crdb.Unwrap
	UnwrapAll    = crdb.UnwrapAll
	GetAllHints  = crdb.GetAllHints
	FlattenHints = crdb.FlattenHints
)
