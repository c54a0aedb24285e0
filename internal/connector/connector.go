// Package connector implements the generic shape of spec.md §4.H and §9's
// "Re-architect as an explicit connector capability set" note: no class
// hierarchy or decorator registration, just a value-type interface
// registered in a map keyed by connector name (ground: the teacher's
// system/core ServiceModule/Registry pattern, rewritten around connectors
// instead of blockchain domain engines).
package connector

import (
	"context"
)

// Connector is the capability set every source integration implements.
type Connector interface {
	// Name is the connector's registry key (e.g. "google_drive", "gmail").
	Name() string

	// Init loads config and credentials and constructs the SDK client,
	// retrying transient init failures with bounded backoff.
	Init(ctx context.Context) error

	// RunSync performs a full sync: discover principals, then
	// groups/containers, then records; seeds cursor state for the first
	// incremental run.
	RunSync(ctx context.Context, instance InstanceRef) error

	// RunIncrementalSync performs a delta sync from the stored cursor.
	RunIncrementalSync(ctx context.Context, instance InstanceRef) error

	// TestConnectionAndAccess is a lightweight connectivity/credential
	// probe.
	TestConnectionAndAccess(ctx context.Context, instance InstanceRef) error

	// Cleanup releases SDK resources.
	Cleanup(ctx context.Context) error
}

// SignedURLProvider is an optional capability: fetching a per-record signed
// or preview URL.
type SignedURLProvider interface {
	GetSignedURL(ctx context.Context, instance InstanceRef, externalRecordID string) (string, error)
}

// RecordStreamer is an optional capability: streaming a record's raw
// content directly from the source.
type RecordStreamer interface {
	StreamRecord(ctx context.Context, instance InstanceRef, externalRecordID string) (ReadCloser, error)
}

// WebhookHandler is an optional capability: handling a source-pushed
// webhook notification instead of polling.
type WebhookHandler interface {
	HandleWebhook(ctx context.Context, instance InstanceRef, payload []byte) error
}

// ReadCloser avoids importing io solely for this alias at call sites that
// only need the two methods.
type ReadCloser interface {
	Read(p []byte) (n int, err error)
	Close() error
}

// InstanceRef identifies one configured integration with a source; many can
// exist per connector (spec.md GLOSSARY "Connector instance").
type InstanceRef struct {
	OrgKey      string
	Connector   string
	InstanceKey string
}
