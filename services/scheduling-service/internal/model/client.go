package model

import "time"

type Client struct {
	ID                string
	BusinessID        string
	FirstName         string
	LastName          string
	Email             string
	WhatsAppNumber    string
	DateOfBirth       *time.Time
	Notes             string
	TotalAppointments int
	LastAppointmentAt *time.Time
	Active            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (c Client) FullName() string {
	if c.LastName == "" {
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}

// RecordCompletedVisit counts a completed appointment that started at at.
// The last appointment timestamp only moves forward.
func (c *Client) RecordCompletedVisit(at time.Time) {
	c.TotalAppointments++
	if c.LastAppointmentAt == nil || at.After(*c.LastAppointmentAt) {
		t := at.UTC()
		c.LastAppointmentAt = &t
	}
}
