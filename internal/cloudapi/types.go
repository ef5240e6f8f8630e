package cloudapi

import "time"

// ServerType describes a cloud server type (size) offering.
type ServerType struct {
	Name   string
	Cores  int
	Memory float64 // GB
	Disk   int     // GB
}

// Location describes a cloud datacenter location.
type Location struct {
	Name    string
	Country string
	City    string
}

// ImageKind mirrors the {kind} segment of an image-* label:
// system, snapshot, backup, or app.
type ImageKind string

const (
	ImageSystem   ImageKind = "system"
	ImageSnapshot ImageKind = "snapshot"
	ImageBackup   ImageKind = "backup"
	ImageApp      ImageKind = "app"
)

// Image describes a bootable image in the cloud's catalog.
type Image struct {
	ID          string
	Name        string
	Description string
	Kind        ImageKind
	Arch        string // "x86" or "arm"
}

// SSHKey is an SSH public key registered with the cloud project.
type SSHKey struct {
	ID          int64
	Name        string
	Fingerprint string
}

// Price is the hourly price of a server type at a location.
type Price struct {
	ServerType   string
	Location     string
	PricePerHour float64
}

// ServerStatus mirrors the cloud's own status vocabulary, mapped by
// callers into model.ServerStatus.
type ServerStatus string

const (
	StatusOff      ServerStatus = "off"
	StatusStarting ServerStatus = "starting"
	StatusRunning  ServerStatus = "running"
	StatusStopping ServerStatus = "stopping"
)

// Server is the cloud-side representation of a server, as returned by
// the list/get endpoints.
type Server struct {
	ID         int64
	Name       string
	Status     ServerStatus
	ServerType string
	Location   string
	Image      string
	PublicIPv4 string
	CreatedAt  time.Time
	Labels     map[string]string
	SSHKeyIDs  []int64
}

// CreateServerRequest is the payload for creating a new server.
type CreateServerRequest struct {
	Name       string
	ServerType string
	Location   string
	Image      string
	SSHKeyIDs  []int64
	Labels     map[string]string
	UserData   string
}
