package cloudapi

import "github.com/runnerscale/controller/internal/model"

var statusToModel = map[ServerStatus]model.ServerStatus{
	StatusOff:      model.ServerOff,
	StatusStarting: model.ServerStarting,
	StatusRunning:  model.ServerRunning,
	StatusStopping: model.ServerStopping,
}

// ToModel converts a cloud-side Server DTO into the shared domain
// model, mapping the cloud's status vocabulary into model.ServerStatus.
func (s Server) ToModel() model.Server {
	status, ok := statusToModel[s.Status]
	if !ok {
		status = model.ServerOff
	}
	return model.Server{
		Name:       s.Name,
		CloudID:    s.ID,
		Status:     status,
		ServerType: s.ServerType,
		Location:   s.Location,
		Image:      s.Image,
		PublicIPv4: s.PublicIPv4,
		CreatedAt:  s.CreatedAt,
		Labels:     s.Labels,
		SSHKeyIDs:  s.SSHKeyIDs,
	}
}
