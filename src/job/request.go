package job

import "tryon-relay/src/jobgraph"

// Fixed attachment names the template's image loaders refer to.
const (
	PersonImageName = "person_image.png"
	ClothImageName  = "cloth_image.png"
)

// Attachment is a named binary image sent along with the template.
type Attachment struct {
	Name  string
	Image []byte
}

// Request is one submission. It is built once and not mutated after dispatch;
// Template is always a private deep copy.
type Request struct {
	Template    jobgraph.Graph
	Attachments []Attachment
}

// NewRequest builds a request from a deep copy of template with the person
// and cloth images attached under their fixed names.
func NewRequest(template jobgraph.Graph, bind jobgraph.Bindings, person, cloth []byte) (Request, error) {
	graph, err := template.Clone()
	if err != nil {
		return Request{}, err
	}
	if err := graph.Bind(bind, PersonImageName, ClothImageName); err != nil {
		return Request{}, err
	}
	return Request{
		Template: graph,
		Attachments: []Attachment{
			{Name: PersonImageName, Image: person},
			{Name: ClothImageName, Image: cloth},
		},
	}, nil
}
