package session

import (
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

// containers are searched in order; the first non-empty alias match wins.
var containers = []string{"", "data", "obj", "body", "obj1", "resultMap"}

var aliases = map[string][]string{
	"token":       {"token", "accessToken", "access_token"},
	"campusId":    {"campusId", "campus_id"},
	"schoolId":    {"schoolId", "school_id"},
	"stuNumber":   {"stuNumber", "studentId", "studentNo", "stuNo", "stu_number"},
	"phoneNumber": {"phoneNumber", "phone", "mobile"},
	"stuName":     {"stuName", "studentName", "name"},
	"schoolName":  {"schoolName", "school"},
	"campusName":  {"campusName", "campus", "schoolName", "school"},
}

// Fields are the session values found in an upstream login body. Missing
// values are empty.
type Fields struct {
	Token       string
	CampusID    string
	SchoolID    string
	StuNumber   string
	PhoneNumber string
	StuName     string
	SchoolName  string
	CampusName  string
}

// Normalize extracts session fields from a login response whose layout
// varies: values may sit at the root or under one of several container keys,
// with differently cased key names, as strings or numbers.
func Normalize(raw []byte) Fields {
	var root map[string]any
	if err := sonic.Unmarshal(raw, &root); err != nil || root == nil {
		return Fields{}
	}

	lowered := make([]map[string]any, 0, len(containers))
	for _, name := range containers {
		c := root
		if name != "" {
			m, ok := root[name].(map[string]any)
			if !ok {
				continue
			}
			c = m
		}
		lm := make(map[string]any, len(c))
		for k, v := range c {
			lk := strings.ToLower(k)
			if _, dup := lm[lk]; !dup {
				lm[lk] = v
			}
		}
		lowered = append(lowered, lm)
	}

	pick := func(field string) string {
		for _, c := range lowered {
			for _, a := range aliases[field] {
				if s := text(c[strings.ToLower(a)]); s != "" {
					return s
				}
			}
		}
		return ""
	}

	return Fields{
		Token:       pick("token"),
		CampusID:    pick("campusId"),
		SchoolID:    pick("schoolId"),
		StuNumber:   pick("stuNumber"),
		PhoneNumber: pick("phoneNumber"),
		StuName:     pick("stuName"),
		SchoolName:  pick("schoolName"),
		CampusName:  pick("campusName"),
	}
}

func text(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}
