// Package main runs a demo: it registers a busload of students, optimizes a
// route, then drives the bus toward the first stop while listening on the
// student's WebSocket feed.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

// Campus defaults; override with CAMPUS_LAT/CAMPUS_LNG on the server to match.
const (
	campusLat = 12.9003207224315
	campusLng = 77.49589092463299
	// roughly 111m per 0.001 degree of latitude
	degPerMeter = 1.0 / 111195.0
)

var base string

func call(method, path string, in, out any) {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			log.Fatal(err)
		}
	}
	req, _ := http.NewRequest(method, base+path, &body)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		var p map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&p)
		log.Fatalf("%s %s: %d %v", method, path, resp.StatusCode, p)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatal(err)
		}
	}
}

type idOnly struct {
	ID string `json:"id"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base = fmt.Sprintf("http://localhost:%s", port)
	run := time.Now().Unix()

	// Five students 1-5km north of campus fill one bus.
	var students []idOnly
	for i := 0; i < 5; i++ {
		var s idOnly
		call(http.MethodPost, "/v1/students", map[string]string{"name": fmt.Sprintf("Demo %d", i), "studentNo": fmt.Sprintf("D%d-%d", run%100000, i)}, &s)
		lat := campusLat + float64(i+1)*1000*degPerMeter
		call(http.MethodPut, "/v1/students/"+s.ID+"/location", map[string]any{"address": fmt.Sprintf("%d Demo Road", i+1), "latitude": lat, "longitude": campusLng}, nil)
		students = append(students, s)
	}

	var rep struct {
		Created []struct {
			RouteID   string `json:"routeId"`
			RouteName string `json:"routeName"`
		} `json:"created"`
		Filled []struct {
			RouteID   string `json:"routeId"`
			RouteName string `json:"routeName"`
		} `json:"filled"`
	}
	call(http.MethodPost, "/v1/optimize", nil, &rep)
	routes := append(rep.Created, rep.Filled...)
	if len(routes) == 0 {
		log.Fatal("optimizer placed no students")
	}
	routeID := routes[0].RouteID
	log.Printf("Route: %s (%s)", routes[0].RouteName, routeID)

	var d idOnly
	call(http.MethodPost, "/v1/drivers", map[string]string{"name": "Demo Driver", "licenseNumber": fmt.Sprintf("DEMO-%d", run)}, &d)
	call(http.MethodPut, "/v1/drivers/"+d.ID+"/route", map[string]string{"routeId": routeID}, nil)

	target := students[0]
	call(http.MethodPost, "/v1/students/"+target.ID+"/boarding", map[string]bool{"isBoarding": true}, nil)

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/ws", RawQuery: "student=" + target.ID}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m map[string]any
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			if m["type"] == "notification" {
				log.Printf("WS <- %v: %v", m["title"], m["body"])
			} else {
				log.Printf("WS <- %v", m)
			}
		}
	}()

	// Approach the first stop from 600m north.
	stopLat := campusLat + 1000*degPerMeter
	for _, dist := range []float64{600, 450, 280, 150, 80, 20} {
		call(http.MethodPost, "/v1/drivers/"+d.ID+"/location", map[string]any{"latitude": stopLat + dist*degPerMeter, "longitude": campusLng}, nil)
		time.Sleep(300 * time.Millisecond)
	}

	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
