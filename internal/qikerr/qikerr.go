// Package qikerr holds qik's error taxonomy: a single exported Error type
// carrying one Kind constant per stable diagnostic kind, checked with
// errors.As the way turborepo checks core.MissingTaskError and
// util.CacheDisabledError.
package qikerr

import "fmt"

// Kind is a stable short identifier, included in every diagnostic so users
// can look the error up in the docs regardless of the surrounding message.
type Kind string

// The full taxonomy from the spec's error handling design.
const (
	KindConfigNotFound        Kind = "ConfigNotFound"
	KindConfigParse           Kind = "ConfigParse"
	KindUnknownModule         Kind = "UnknownModule"
	KindUnknownPlugin         Kind = "UnknownPlugin"
	KindUnknownCommand        Kind = "UnknownCommand"
	KindUnknownCache          Kind = "UnknownCache"
	KindUnknownProfile        Kind = "UnknownProfile"
	KindCtxMissing            Kind = "CtxMissing"
	KindCtxTypeCast           Kind = "CtxTypeCast"
	KindCtxNamespace          Kind = "CtxNamespace"
	KindCycleDetected         Kind = "CycleDetected"
	KindPluginImport          Kind = "PluginImport"
	KindMissingDist           Kind = "MissingDist"
	KindMissingModuleDist     Kind = "MissingModuleDist"
	KindLockFileRequired      Kind = "LockFileRequired"
	KindVenvNotConfigured     Kind = "VenvNotConfigured"
	KindSubprocessFailed      Kind = "SubprocessFailed"
	KindCacheIO               Kind = "CacheIO"
	KindRemoteCacheUnavailable Kind = "RemoteCacheUnavailable"
	KindCancelled             Kind = "Cancelled"
)

// Error is the concrete error type carrying a Kind, an offending name
// (when applicable), and an underlying cause.
type Error struct {
	Kind  Kind
	Name  string
	Cause error
}

// New builds an Error of the given kind, naming the offending entity.
func New(kind Kind, name string) *Error {
	return &Error{Kind: kind, Name: name}
}

// Wrap builds an Error of the given kind around an underlying cause.
func Wrap(kind Kind, name string, cause error) *Error {
	return &Error{Kind: kind, Name: name, Cause: cause}
}

func (e *Error) Error() string {
	if e.Name == "" {
		if e.Cause != nil {
			return fmt.Sprintf("[%s] %v", e.Kind, e.Cause)
		}
		return string(e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %q: %v", e.Kind, e.Name, e.Cause)
	}
	return fmt.Sprintf("[%s] %q", e.Kind, e.Name)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// ExitCode maps a Kind to the coarse exit-code category from spec §6:
// 2 for configuration/selection errors, 1 for Cancelled, 3 for everything
// else internal. Per-runnable execution failures are handled separately
// by the scheduler (exit 1) and are not represented here.
func (e *Error) ExitCode() int {
	switch e.Kind {
	case KindConfigNotFound, KindConfigParse, KindUnknownModule, KindUnknownPlugin,
		KindUnknownCommand, KindUnknownCache, KindUnknownProfile, KindCtxMissing,
		KindCtxTypeCast, KindCtxNamespace, KindCycleDetected, KindPluginImport,
		KindMissingDist, KindMissingModuleDist, KindLockFileRequired, KindVenvNotConfigured:
		return 2
	case KindCancelled:
		return 1
	default:
		return 3
	}
}
