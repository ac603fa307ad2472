package model

import "time"

// Core domain types for students, routes and drivers.

type GeoPoint struct {
    Lat float64 `json:"lat"`
    Lng float64 `json:"lng"`
}

type Student struct {
    ID                       string    `json:"id"`
    Name                     string    `json:"name"`
    StudentNo                string    `json:"studentNo"`
    Address                  string    `json:"address,omitempty"`
    Lat                      *float64  `json:"latitude,omitempty"`
    Lng                      *float64  `json:"longitude,omitempty"`
    RouteID                  *string   `json:"routeId,omitempty"`
    PickupOrder              *int      `json:"pickupOrder,omitempty"`
    DrivingTimeSec           *int      `json:"drivingTimeSec,omitempty"`
    IsBoardingToday          bool      `json:"isBoardingToday"`
    LastNotificationDistance *int      `json:"lastNotificationDistance,omitempty"`
    CreatedAt                time.Time `json:"createdAt"`
}

// HasLocation reports whether both coordinates are known.
func (s Student) HasLocation() bool { return s.Lat != nil && s.Lng != nil }

// Location returns the student's coordinates; callers check HasLocation first.
func (s Student) Location() GeoPoint {
    if !s.HasLocation() {
        return GeoPoint{}
    }
    return GeoPoint{Lat: *s.Lat, Lng: *s.Lng}
}

// Waitlisted reports whether the student is eligible for route assignment.
func (s Student) Waitlisted() bool { return s.RouteID == nil && s.HasLocation() }

type Route struct {
    ID           string    `json:"id"`
    Name         string    `json:"name"`
    Description  string    `json:"description,omitempty"`
    CreatedAt    time.Time `json:"createdAt"`
    StudentCount int       `json:"studentCount"`
}

type Driver struct {
    ID            string     `json:"id"`
    Name          string     `json:"name"`
    LicenseNumber string     `json:"licenseNumber"`
    RouteID       *string    `json:"routeId,omitempty"`
    LastLat       *float64   `json:"lastLatitude,omitempty"`
    LastLng       *float64   `json:"lastLongitude,omitempty"`
    LastSeen      *time.Time `json:"lastSeen,omitempty"`
}

// HasLocation reports whether the driver has broadcast at least once.
func (d Driver) HasLocation() bool { return d.LastLat != nil && d.LastLng != nil }

// Write models

type StudentIn struct {
    Name      string `json:"name" validate:"required,max=150"`
    StudentNo string `json:"studentNo" validate:"required,max=20"`
}

type StudentLocationIn struct {
    Address string   `json:"address" validate:"required,max=255"`
    Lat     *float64 `json:"latitude" validate:"required,latitude"`
    Lng     *float64 `json:"longitude" validate:"required,longitude"`
}

type DriverIn struct {
    Name          string `json:"name" validate:"required,max=150"`
    LicenseNumber string `json:"licenseNumber" validate:"required,max=100"`
}

type RouteIn struct {
    Name        string `json:"name" validate:"required,max=100"`
    Description string `json:"description,omitempty"`
}

type LocationUpdate struct {
    Lat *float64 `json:"latitude" validate:"required,latitude"`
    Lng *float64 `json:"longitude" validate:"required,longitude"`
}

type BoardingUpdate struct {
    IsBoarding *bool `json:"isBoarding" validate:"required"`
}

type ReorderRequest struct {
    StudentIDs []string `json:"studentIds" validate:"required,min=1,unique,dive,required"`
}

type BroadcastRequest struct {
    Title string `json:"title" validate:"required,max=200"`
    Body  string `json:"body" validate:"required,max=2000"`
}

type AssignDriverRequest struct {
    RouteID string `json:"routeId" validate:"required"`
}

// Read models for API responses

type RouteStops struct {
    Route Route     `json:"route"`
    Stops []Student `json:"stops"`
}

type BusLocation struct {
    RouteID    string    `json:"routeId"`
    DriverID   string    `json:"driverId"`
    DriverName string    `json:"driverName"`
    Lat        float64   `json:"latitude"`
    Lng        float64   `json:"longitude"`
    LastSeen   time.Time `json:"lastSeen"`
}
