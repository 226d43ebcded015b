package lifestore

import (
	"errors"
	"strings"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrLocked         = errors.New("store directory locked by another process")
)

type Namespace string

const (
	NamespacePlanner  Namespace = "planner"
	NamespaceFitness  Namespace = "fitness"
	NamespaceVocals   Namespace = "vocals"
	NamespaceFinance  Namespace = "finance"
	NamespaceReading  Namespace = "reading"
	NamespaceSleep    Namespace = "sleep"
	NamespaceSettings Namespace = "settings"
	NamespaceIdentity Namespace = "identity"
	NamespaceNews     Namespace = "news"
)

// Namespaces is the closed registry consulted by ClearAll, ExportAll and sync.
// A namespace missing here survives "clear all data" and is never pushed.
var Namespaces = []Namespace{
	NamespacePlanner,
	NamespaceFitness,
	NamespaceVocals,
	NamespaceFinance,
	NamespaceReading,
	NamespaceSleep,
	NamespaceSettings,
	NamespaceIdentity,
	NamespaceNews,
}

func IsRegistered(ns Namespace) bool {
	for _, known := range Namespaces {
		if known == ns {
			return true
		}
	}
	return false
}

func ParseNamespace(raw string) (Namespace, error) {
	ns := Namespace(strings.ToLower(strings.TrimSpace(raw)))
	if !IsRegistered(ns) {
		return "", ErrInvalidInput
	}
	return ns, nil
}

func validNamespaceName(ns Namespace) bool {
	name := string(ns)
	if name == "" || strings.ContainsAny(name, `/\.`) {
		return false
	}
	return true
}
