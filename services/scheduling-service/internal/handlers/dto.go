package handlers

import (
	"time"

	"github.com/md-rashed-zaman/notifywise/services/scheduling-service/internal/model"
	"github.com/shopspring/decimal"
)

type reminderItem struct {
	At     string `json:"at"`
	Result string `json:"result"`
}

type appointmentResponse struct {
	ID                 string                  `json:"id"`
	BusinessID         string                  `json:"business_id"`
	ClientID           string                  `json:"client_id,omitempty"`
	Service            string                  `json:"service"`
	StartTime          string                  `json:"start_time"`
	EndTime            string                  `json:"end_time"`
	DurationMinutes    int                     `json:"duration_minutes"`
	Status             string                  `json:"status"`
	Price              *decimal.Decimal        `json:"price,omitempty"`
	Currency           string                  `json:"currency,omitempty"`
	Notes              string                  `json:"notes,omitempty"`
	CancellationReason string                  `json:"cancellation_reason,omitempty"`
	Reminders          map[string]reminderItem `json:"reminders,omitempty"`
	CreatedAt          string                  `json:"created_at"`
	UpdatedAt          string                  `json:"updated_at"`
}

func toAppointmentResponse(a model.Appointment) appointmentResponse {
	resp := appointmentResponse{
		ID:                 a.ID,
		BusinessID:         a.BusinessID,
		ClientID:           a.ClientID,
		Service:            a.Service,
		StartTime:          a.StartTime.UTC().Format(time.RFC3339),
		EndTime:            a.EndTime().UTC().Format(time.RFC3339),
		DurationMinutes:    a.DurationMinutes,
		Status:             string(a.Status),
		Currency:           a.Currency,
		Notes:              a.Notes,
		CancellationReason: a.CancellationReason,
		CreatedAt:          a.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:          a.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if a.Price.Valid {
		p := a.Price.Decimal
		resp.Price = &p
	}
	if len(a.Reminders) > 0 {
		resp.Reminders = make(map[string]reminderItem, len(a.Reminders))
		for k, v := range a.Reminders {
			resp.Reminders[k] = reminderItem{At: v.At.UTC().Format(time.RFC3339), Result: string(v.Result)}
		}
	}
	return resp
}

type clientResponse struct {
	ID                string `json:"id"`
	FirstName         string `json:"first_name"`
	LastName          string `json:"last_name,omitempty"`
	Email             string `json:"email,omitempty"`
	WhatsAppNumber    string `json:"whatsapp_number"`
	DateOfBirth       string `json:"date_of_birth,omitempty"`
	Notes             string `json:"notes,omitempty"`
	TotalAppointments int    `json:"total_appointments"`
	LastAppointmentAt string `json:"last_appointment_at,omitempty"`
	CreatedAt         string `json:"created_at"`
}

type clientListResponse struct {
	Items    []clientResponse `json:"items"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

func toClientResponse(c model.Client) clientResponse {
	resp := clientResponse{
		ID:                c.ID,
		FirstName:         c.FirstName,
		LastName:          c.LastName,
		Email:             c.Email,
		WhatsAppNumber:    c.WhatsAppNumber,
		Notes:             c.Notes,
		TotalAppointments: c.TotalAppointments,
		CreatedAt:         c.CreatedAt.UTC().Format(time.RFC3339),
	}
	if c.DateOfBirth != nil {
		resp.DateOfBirth = c.DateOfBirth.Format("2006-01-02")
	}
	if c.LastAppointmentAt != nil {
		resp.LastAppointmentAt = c.LastAppointmentAt.UTC().Format(time.RFC3339)
	}
	return resp
}

type businessResponse struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	WhatsAppNumber string              `json:"whatsapp_number,omitempty"`
	Timezone       string              `json:"timezone"`
	Services       []string            `json:"services"`
	BusinessHours  model.BusinessHours `json:"business_hours"`
	Templates      map[string]string   `json:"templates,omitempty"`
}

func toBusinessResponse(b model.Business, withTemplates bool) businessResponse {
	resp := businessResponse{
		ID:             b.ID,
		Name:           b.Name,
		WhatsAppNumber: b.WhatsAppNumber,
		Timezone:       b.Timezone,
		Services:       b.Services,
		BusinessHours:  b.Hours,
	}
	if resp.Services == nil {
		resp.Services = []string{}
	}
	if len(resp.BusinessHours) == 0 {
		resp.BusinessHours = model.DefaultBusinessHours()
	}
	if withTemplates {
		resp.Templates = b.Templates
	}
	return resp
}
