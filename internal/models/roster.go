package models

// Roster maps student id to display name for one class.
type Roster map[string]string

func (r Roster) Clone() Roster {
	if r == nil {
		return nil
	}
	out := make(Roster, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ClassInfo is one class on a teacher's dashboard.
type ClassInfo struct {
	ClassID       string `json:"classID"`
	SectionNumber string `json:"sectionNumber"`
	NumStudents   string `json:"numStudents"`
	ClassTitle    string `json:"classTitle"`
}

// StudentProfile is the raw profile item returned by the profile endpoint.
type StudentProfile map[string]any

// Envelope is the {statusCode, body} shape every upstream endpoint answers with.
type Envelope struct {
	StatusCode int `json:"statusCode"`
	Body       any `json:"body"`
}
