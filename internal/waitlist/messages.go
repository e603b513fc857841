package waitlist

import (
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"
)

const (
	TemplateSlotOffer            = "slot_offer"
	TemplateSlotOfferAccepted    = "slot_offer_accepted"
	TemplateSlotOfferExpired     = "slot_offer_expired"
	TemplateWaitlistConfirmation = "waitlist_confirmation"
	TemplateSlotUnfilled         = "slot_unfilled"
)

var templates = template.Must(template.New("messages").Option("missingkey=zero").Parse(`
{{define "slot_offer"}}Hi {{.first_name}}! A {{.service}} opening with {{.practitioner}} on {{.date}} at {{.time}} just became available. Tap to claim it within {{.expiry_minutes}} minutes: {{.url}}{{end}}
{{define "slot_offer_accepted"}}You're booked, {{.first_name}}! {{.service}} with {{.practitioner}} on {{.date}} at {{.time}}. See you then.{{end}}
{{define "slot_offer_expired"}}Hi {{.first_name}}, the {{.service}} opening on {{.date}} at {{.time}} has passed to the next patient. You're still on our waitlist.{{end}}
{{define "waitlist_confirmation"}}Hi {{.first_name}}, you're on the waitlist for {{.service}}. We'll message you as soon as a spot opens.{{end}}
{{define "slot_unfilled"}}Waitlist could not fill {{.service}} with {{.practitioner}} on {{.date}} at {{.time}}: {{.reason}}. Please follow up manually.{{end}}
`))

// Render executes a named message template.
func Render(key string, vars map[string]string) (string, error) {
	var b strings.Builder
	if err := templates.ExecuteTemplate(&b, key, vars); err != nil {
		return "", fmt.Errorf("render %s: %w", key, err)
	}
	return b.String(), nil
}

func firstName(full string) string {
	if f := strings.Fields(full); len(f) > 0 {
		return f[0]
	}
	return "there"
}

func slotVars(slot Slot, loc *time.Location) map[string]string {
	start := slot.StartTime.In(loc)
	practitioner := slot.PractitionerName
	if practitioner == "" {
		practitioner = "your provider"
	}
	return map[string]string{
		"service":      slot.ServiceName,
		"practitioner": practitioner,
		"date":         start.Format("Mon, Jan 2"),
		"time":         start.Format("3:04 PM"),
	}
}

func offerVars(o *Offer, loc *time.Location, url string) map[string]string {
	v := slotVars(o.Slot, loc)
	v["first_name"] = firstName(o.PatientName)
	v["url"] = url
	v["expiry_minutes"] = strconv.Itoa(int(o.ExpiresAt.Sub(o.SentAt).Minutes()))
	return v
}
