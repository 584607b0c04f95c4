// Package testing provides test doubles for applications built on netcore.
//
// # Mocks
//
// The mocks subpackage provides testify-based mock implementations of the
// capabilities the core consumes:
//   - Transport (http.Doer)
//   - Credentials (auth.TokenStore, auth.Refresher, auth.ErrorReporter)
//   - Telemetry delivery and persistence (telemetry.Submitter, store.Store)
//
// # Fixtures
//
// The fixtures subpackage builds common test data: signed JWT token pairs
// with a chosen expiry, canned HTTP responses and batches of events.
//
// # Usage
//
//	import (
//		"github.com/gaborage/netcore/testing/mocks"
//		"github.com/gaborage/netcore/testing/fixtures"
//	)
package testing
