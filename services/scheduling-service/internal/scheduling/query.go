package scheduling

import (
	"time"

	"github.com/md-rashed-zaman/notifywise/libs/apperr"
	"github.com/md-rashed-zaman/notifywise/services/scheduling-service/internal/model"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

const (
	SortStartTime = "start_time"
	SortCreatedAt = "created_at"
	SortStatus    = "status"
	SortService   = "service"
)

type ListFilter struct {
	Status   string
	ClientID string
	From     *time.Time
	To       *time.Time
}

type Page struct {
	Number int
	Size   int
}

type Sort struct {
	Field string
	Desc  bool
}

// ListQuery is a validated list request as handed to the repository.
type ListQuery struct {
	Status   model.Status
	ClientID string
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
	SortBy   string
	Desc     bool
}

func buildListQuery(f ListFilter, p Page, s Sort) (ListQuery, error) {
	q := ListQuery{ClientID: f.ClientID, From: f.From, To: f.To, Desc: s.Desc}
	if f.ClientID != "" && !validID(f.ClientID) {
		return ListQuery{}, apperr.Invalid("client_id", "must be a valid id")
	}
	if f.Status != "" {
		st, err := model.ParseStatus(f.Status)
		if err != nil {
			return ListQuery{}, err
		}
		q.Status = st
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return ListQuery{}, apperr.Invalid("to", "must not be before from")
	}

	switch s.Field {
	case "":
		q.SortBy = SortStartTime
	case SortStartTime, SortCreatedAt, SortStatus, SortService:
		q.SortBy = s.Field
	default:
		return ListQuery{}, apperr.Invalid("sort", "must be one of start_time, created_at, status, service")
	}

	q.Limit, q.Offset = p.bounds()
	return q, nil
}

// Normalized fills in the defaults: page 1 and DefaultPageSize, capped at
// MaxPageSize.
func (p Page) Normalized() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

func (p Page) bounds() (limit, offset int) {
	p = p.Normalized()
	return p.Size, (p.Number - 1) * p.Size
}

type Stats struct {
	Total     int `json:"total"`
	Today     int `json:"today"`
	ThisMonth int `json:"this_month"`
	Upcoming  int `json:"upcoming"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
}

// StatsWindow holds the boundaries Stats counts against, already resolved in
// the business timezone.
type StatsWindow struct {
	AsOf       time.Time
	DayStart   time.Time
	DayEnd     time.Time
	MonthStart time.Time
	MonthEnd   time.Time
}

func statsWindow(asOf time.Time, loc *time.Location) StatsWindow {
	local := asOf.In(loc)
	y, m, d := local.Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, loc)
	monthStart := time.Date(y, m, 1, 0, 0, 0, 0, loc)
	return StatsWindow{
		AsOf:       asOf,
		DayStart:   dayStart,
		DayEnd:     dayStart.AddDate(0, 0, 1),
		MonthStart: monthStart,
		MonthEnd:   monthStart.AddDate(0, 1, 0),
	}
}
