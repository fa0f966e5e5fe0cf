package inference

import (
	"encoding/json"
	"fmt"
	"strings"

	"coteacher/internal/models"
)

const studentChatPrompt = `You are a K-12 co-teacher assistant helping a teacher support one specific student.
Use the student profile below to give concrete, classroom-ready suggestions. Keep
answers short and practical, respect the student's accommodations and never
invent diagnoses that are not in the profile.

When the teacher shares an observation or comment about this student that is
worth remembering, call the editStudentProfile tool with that comment before
answering.

Student profile:
{{STUDENT_PROFILE}}`

const generalChatPrompt = `You are a K-12 co-teacher assistant helping a teacher plan for a whole class.
The JSON below maps each student in the selected group to their disabilities and
accommodations. Use it to suggest differentiated strategies, grouping ideas and
lesson adjustments. Refer to students by name only when it helps the teacher.

Student mappings:
{{MAPPINGS_JSON}}`

const titlePrompt = `Write a short title (at most six words) for a teacher's conversation that starts
with the message below. Reply with the title only, without quotes or punctuation
at the end.

Message:
{{BODY}}`

const (
	profileSectionSeparator = "---"
	listBullet              = "- "
	maxListItems            = 10
)

func fillTemplate(template string, replacements map[string]string) string {
	for key, value := range replacements {
		template = strings.ReplaceAll(template, "{{"+key+"}}", value)
	}
	return template
}

// profileItem unwraps the {"Item": {...}} document the profile endpoint returns.
func profileItem(p models.StudentProfile) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	if item, ok := p["Item"].(map[string]any); ok {
		return item
	}
	return p
}

type profileField struct {
	field    string
	display  string
	format   string // text, list or comments
	fallback string
}

var basicInfoFields = []profileField{
	{field: "first_name", display: "First Name", fallback: "Unknown"},
	{field: "last_name", display: "Last Name"},
	{field: "grade_level", display: "Grade", fallback: "N/A"},
	{field: "age", display: "Age", fallback: "N/A"},
}

var profileSections = []profileField{
	{field: "disabilities", display: "Disabilities", format: "list", fallback: "None listed"},
	{field: "accommodations", display: "Accommodations", format: "list", fallback: "None listed"},
	{field: "teacherComments", display: "Teacher Comments", format: "comments", fallback: "No comments yet"},
}

// FormatStudentProfile renders a profile for the student chat prompt. Only
// comments written by teacherID are included.
func FormatStudentProfile(profile models.StudentProfile, teacherID string) string {
	item := profileItem(profile)

	basic := make([]string, 0, len(basicInfoFields))
	for _, f := range basicInfoFields {
		value, ok := item[f.field]
		if !ok || value == nil {
			basic = append(basic, fmt.Sprintf("%s: %s", f.display, f.fallback))
			continue
		}
		basic = append(basic, fmt.Sprintf("%s: %v", f.display, value))
	}
	sections := []string{strings.Join(basic, "\n")}

	for _, f := range profileSections {
		sections = append(sections, fmt.Sprintf("**%s**\n%s", f.display, formatField(item[f.field], f, teacherID)))
	}
	return strings.Join(sections, "\n\n"+profileSectionSeparator+"\n\n")
}

func formatField(value any, f profileField, teacherID string) string {
	switch f.format {
	case "list":
		items := listItems(value)
		if len(items) == 0 {
			return f.fallback
		}
		if len(items) > maxListItems {
			items = items[:maxListItems]
		}
		return listBullet + strings.Join(items, "\n"+listBullet)
	case "comments":
		byTeacher, ok := value.(map[string]any)
		if !ok {
			return f.fallback
		}
		comments := listItems(byTeacher[teacherID])
		if len(comments) == 0 {
			return f.fallback
		}
		return listBullet + strings.Join(comments, "\n"+listBullet)
	}
	if value == nil || value == "" {
		return f.fallback
	}
	return fmt.Sprint(value)
}

// listItems flattens profile list values. Entries may be plain strings,
// {"S": "..."} attribute wrappers or objects with a name.
func listItems(value any) []string {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return []string{s}
		}
		return nil
	case []any:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			switch e := entry.(type) {
			case string:
				if s := strings.TrimSpace(e); s != "" {
					out = append(out, s)
				}
			case map[string]any:
				if s, ok := e["S"].(string); ok {
					out = append(out, strings.TrimSpace(s))
				} else if s, ok := e["name"].(string); ok && strings.TrimSpace(s) != "" {
					out = append(out, strings.TrimSpace(s))
				}
			default:
				out = append(out, fmt.Sprint(e))
			}
		}
		return out
	default:
		return []string{fmt.Sprint(v)}
	}
}

type StudentSummary struct {
	Disabilities   []string `json:"disabilities"`
	Accommodations []string `json:"accommodations"`
}

// StudentMappings maps each student's display name to their disabilities and
// accommodations for the general chat prompt.
func StudentMappings(profiles []models.StudentProfile) map[string]StudentSummary {
	out := make(map[string]StudentSummary, len(profiles))
	for _, p := range profiles {
		item := profileItem(p)
		name := strings.TrimSpace(titleCase(stringField(item, "first_name")) + " " + titleCase(stringField(item, "last_name")))
		if name == "" {
			name = "Unknown Student"
		}
		summary := StudentSummary{
			Disabilities:   listItems(item["disabilities"]),
			Accommodations: listItems(item["accommodations"]),
		}
		if summary.Disabilities == nil {
			summary.Disabilities = []string{}
		}
		if summary.Accommodations == nil {
			summary.Accommodations = []string{}
		}
		out[name] = summary
	}
	return out
}

func stringField(item map[string]any, key string) string {
	s, _ := item[key].(string)
	return strings.TrimSpace(s)
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		r := []rune(w)
		words[i] = strings.ToUpper(string(r[0])) + string(r[1:])
	}
	return strings.Join(words, " ")
}

func studentSystemPrompt(profile models.StudentProfile, teacherID string) string {
	return fillTemplate(studentChatPrompt, map[string]string{
		"STUDENT_PROFILE": FormatStudentProfile(profile, teacherID),
	})
}

func generalSystemPrompt(profiles []models.StudentProfile) string {
	data, err := json.MarshalIndent(StudentMappings(profiles), "", "  ")
	if err != nil {
		data = []byte("{}")
	}
	return fillTemplate(generalChatPrompt, map[string]string{"MAPPINGS_JSON": string(data)})
}

func titleRequest(body string) string {
	return fillTemplate(titlePrompt, map[string]string{"BODY": body})
}

// cleanTitle strips the quotes and trailing punctuation models tend to add.
func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	title = strings.Trim(title, "\"'`*")
	title = strings.TrimRight(title, ".!")
	return strings.TrimSpace(title)
}
