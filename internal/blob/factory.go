package blob

import (
	"context"
	"fmt"
	"os"

	fsstore "piovee/internal/infra/blob/fs"
	memorystore "piovee/internal/infra/blob/memory"
	s3store "piovee/internal/infra/blob/s3"
)

// Open selects a blob.Store implementation using environment variables.
//
//	PIOVEE_BLOB_DRIVER: fs|s3|memory (default fs)
//	PIOVEE_BLOB_FS_ROOT: directory root when driver=fs (default ./blobdata)
//	(S3 specific variables documented in internal/infra/blob/s3)
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv("PIOVEE_BLOB_DRIVER")
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	return OpenDriver(ctx, Driver(driver), os.Getenv("PIOVEE_BLOB_FS_ROOT"))
}

// OpenDriver constructs the named driver. fsRoot applies to the filesystem
// driver only; S3 settings always come from the environment.
func OpenDriver(ctx context.Context, driver Driver, fsRoot string) (Store, error) {
	switch driver {
	case DriverFilesystem:
		return fsstore.New(fsRoot)
	case DriverS3:
		return s3store.OpenFromEnv(ctx)
	case DriverMemory:
		return memorystore.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}

// NewMemory returns an in-memory blob.Store suitable for tests.
func NewMemory() Store { return memorystore.New() }
