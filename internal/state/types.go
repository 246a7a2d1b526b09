package state

import "time"

// SurveyStatus is the lifecycle status of a survey as configured on the service.
type SurveyStatus string

const (
	StatusDraft      SurveyStatus = "draft"
	StatusInProgress SurveyStatus = "inProgress"
	StatusPaused     SurveyStatus = "paused"
	StatusCompleted  SurveyStatus = "completed"
)

func (s SurveyStatus) valid() bool {
	switch s {
	case StatusDraft, StatusInProgress, StatusPaused, StatusCompleted:
		return true
	}
	return false
}

// DisplayOption controls how often a survey may be shown to the same person.
type DisplayOption string

const (
	// DisplayOnce shows the survey at most once.
	DisplayOnce DisplayOption = "displayOnce"
	// DisplayMultiple keeps showing the survey until the person responds.
	DisplayMultiple DisplayOption = "displayMultiple"
	// RespondMultiple shows the survey regardless of earlier responses.
	RespondMultiple DisplayOption = "respondMultiple"
	// DisplaySome shows the survey until DisplayLimit displays were recorded.
	DisplaySome DisplayOption = "displaySome"
)

func (d DisplayOption) valid() bool {
	switch d {
	case "", DisplayOnce, DisplayMultiple, RespondMultiple, DisplaySome:
		return true
	}
	return false
}

// Snapshot is the complete synced state for one environment. Snapshots are
// immutable once installed in a Store; callers must not mutate them.
type Snapshot struct {
	Version       string        `json:"version"`
	EnvironmentID string        `json:"environmentId"`
	Person        Person        `json:"person"`
	Session       Session       `json:"session"`
	Surveys       []Survey      `json:"surveys"`
	ActionClasses []ActionClass `json:"actionClasses"`
	Product       Product       `json:"product"`
	FetchedAt     time.Time     `json:"fetchedAt"`
	ExpiresAt     time.Time     `json:"expiresAt"`
}

// Person identifies an end user across sessions.
type Person struct {
	ID         string            `json:"id"`
	UserID     string            `json:"userId,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Session identifies one continuous visit.
type Session struct {
	ID        string    `json:"id"`
	PersonID  string    `json:"personId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the session has passed its expiry. A session
// without an expiry never expires.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Product carries product-wide settings that apply to every survey.
type Product struct {
	ID string `json:"id"`
	// RecontactDays is the minimum number of days between any two survey
	// displays for a person. Survey-level RecontactPolicy.Days overrides it.
	RecontactDays *int   `json:"recontactDays,omitempty"`
	Placement     string `json:"placement,omitempty"`
}

// Survey is a versioned survey configuration. It is superseded wholesale by
// the next sync, never patched in place.
type Survey struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Status    SurveyStatus      `json:"status"`
	Questions []Question        `json:"questions"`
	Triggers  []Trigger         `json:"triggers"`
	Recontact RecontactPolicy   `json:"recontact"`
	Styling   map[string]string `json:"styling,omitempty"`
	// Delay is the number of seconds to wait between eligibility and mount.
	Delay     int       `json:"delay,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Question is one step of a survey. Rendering details stay with the renderer.
type Question struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Headline string `json:"headline"`
	Required bool   `json:"required,omitempty"`
}

// Trigger references the action class, by name, that makes a survey a
// display candidate.
type Trigger struct {
	ActionClass string `json:"actionClass"`
}

// RecontactPolicy limits how often and how many times a survey is shown.
type RecontactPolicy struct {
	Days              *int          `json:"days,omitempty"`
	DisplayOption     DisplayOption `json:"displayOption,omitempty"`
	DisplayLimit      *int          `json:"displayLimit,omitempty"`
	DisplayPercentage *float64      `json:"displayPercentage,omitempty"`
}

// Expired reports whether the snapshot should be refreshed before it is
// trusted again. A snapshot without an expiry never expires.
func (s *Snapshot) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Empty reports whether no snapshot has been installed yet.
func (s *Snapshot) Empty() bool {
	return s.EnvironmentID == ""
}

// SurveyByID returns the survey with the given id.
func (s *Snapshot) SurveyByID(id string) (Survey, bool) {
	for _, sv := range s.Surveys {
		if sv.ID == id {
			return sv, true
		}
	}
	return Survey{}, false
}

// ActionClassByName returns the action class with the given canonical name.
func (s *Snapshot) ActionClassByName(name string) (ActionClass, bool) {
	for _, ac := range s.ActionClasses {
		if ac.Name == name {
			return ac, true
		}
	}
	return ActionClass{}, false
}

// ActionClassByKey returns the code action class whose key equals key.
func (s *Snapshot) ActionClassByKey(key string) (ActionClass, bool) {
	for _, ac := range s.ActionClasses {
		if r, ok := ac.Rule.(CodeRule); ok && r.Key == key {
			return ac, true
		}
	}
	return ActionClass{}, false
}
