// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package avb

// Error tags, used with github.com/siderolabs/gen/xerrors.

// StorageError is a tag for partition or record I/O failures.
type StorageError struct{}

// VerificationFailed is a tag for failed cryptographic or structural checks.
type VerificationFailed struct{}

// MetadataCorrupt is a tag for A/B metadata which fails sanity checks.
type MetadataCorrupt struct{}

// ConfigMissing is a tag for missing optional configuration.
type ConfigMissing struct{}

// UsageError is a tag for malformed caller input.
type UsageError struct{}
