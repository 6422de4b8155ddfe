// Package constants defines the constants shared between the VitalSync services.
package constants

import (
	"path/filepath"
)

var (
	// Version is the version of the application.
	Version = "Dev"
)

const (
	// WebServiceCmdName is the name of the web service command.
	WebServiceCmdName = "vitalsync-web-service"

	// IngestServiceCmdName is the name of the ingest service command.
	IngestServiceCmdName = "vitalsync-ingest-service"
)

// Service constants.
const (
	// DefaultServiceFolder is the name of the default root folder for services.
	DefaultServiceFolder = "vitalsync-services"

	// DefaultServiceSpoolFolder is the name of the default payload spool folder for services.
	DefaultServiceSpoolFolder = "spool"
)

// Service variables.
var (
	// DefaultServiceDataDir is the default data directory for services.
	DefaultServiceDataDir = filepath.Join("/var/lib", DefaultServiceFolder)

	// DefaultServiceSpoolDir is the default payload spool directory for services.
	DefaultServiceSpoolDir = filepath.Join(DefaultServiceDataDir, DefaultServiceSpoolFolder)
)
