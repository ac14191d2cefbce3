package driven

import (
	port "github.com/alorle/image-fetcher/internal/port/driven"
)

// Compile-time check that NaiveFetcher implements ImageFetcher interface
var _ port.ImageFetcher = (*NaiveFetcher)(nil)

// Compile-time check that AcceleratedFetcher implements ImageFetcher interface
var _ port.ImageFetcher = (*AcceleratedFetcher)(nil)

// Compile-time check that FetchRecordBoltDBRepository implements FetchRecordRepository interface
var _ port.FetchRecordRepository = (*FetchRecordBoltDBRepository)(nil)
