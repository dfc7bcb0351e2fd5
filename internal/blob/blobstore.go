// Package blob re-exports the blob storage abstractions and provides the
// environment-driven factory used to select a backend driver for photo and
// main image bytes.
package blob

import (
	"piovee/internal/blob/core"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// SignedURLOptions configures URL pre-signing.
	SignedURLOptions = core.SignedURLOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
)

const (
	// DriverFilesystem is the local filesystem driver.
	DriverFilesystem = core.DriverFilesystem
	// DriverS3 is the S3-compatible driver.
	DriverS3 = core.DriverS3
	// DriverMemory is the in-memory test driver.
	DriverMemory = core.DriverMemory
)

// ErrUnsupported indicates an operation isn't supported by a driver.
var ErrUnsupported = core.ErrUnsupported

// Key prefixes used by the engine. Photos are content blobs captured by
// clients; main images are the mosaic source pictures.
const (
	PhotoPrefix     = "photos/"
	MainImagePrefix = "main/"
)

// PhotoKey returns the blob key for a photo id.
func PhotoKey(id string) string { return PhotoPrefix + id }

// MainImageKey returns the blob key for a main image id.
func MainImageKey(id string) string { return MainImagePrefix + id }
