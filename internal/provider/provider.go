// Package provider talks to the game hosting provider's HTTP API: directory
// listings, file downloads and the service's operational log.
package provider

import (
	"context"

	"github.com/therealutkarshpriyadarshi/gamewatch/pkg/types"
)

// RemoteFileAPI lists and downloads files on a hosted game server
type RemoteFileAPI interface {
	ListFiles(ctx context.Context, creds *types.Credentials, dir string) ([]types.FileEntry, error)
	DownloadFile(ctx context.Context, creds *types.Credentials, fullPath string) ([]byte, error)
}

// ServiceLogSource is implemented by APIs that also expose the provider's
// operational log for a service
type ServiceLogSource interface {
	ListServiceLogs(ctx context.Context, creds *types.Credentials) ([]types.SystemLogEntry, error)
}
