package schema

// Service is the probe outcome for one external dependency.
type Service struct {
	Working bool    `json:"working"`
	Message *string `json:"message,omitempty"`
}

func Working() Service { return Service{Working: true} }

func NotWorking(msg string) Service {
	return Service{Working: false, Message: &msg}
}

// Health is a point-in-time snapshot of every dependency the pipeline needs.
type Health struct {
	Broker      Service `json:"broker"`
	ObjectStore Service `json:"object_store"`
}

// NamedService pairs a dependency name with its probe outcome.
type NamedService struct {
	Name    string
	Service Service
}

// Services lists the dependencies in report order.
func (h Health) Services() []NamedService {
	return []NamedService{
		{Name: "broker", Service: h.Broker},
		{Name: "object_store", Service: h.ObjectStore},
	}
}

// AllGood reports whether every dependency is working.
func (h Health) AllGood() bool {
	for _, s := range h.Services() {
		if !s.Service.Working {
			return false
		}
	}
	return true
}
