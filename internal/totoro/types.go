package totoro

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/bytedance/sonic"
)

// ErrNotOK is returned (wrapped) when the upstream answered but did not
// report status "00" with code "0".
var ErrNotOK = errors.New("totoro: upstream rejected request")

// Text is a string field that the upstream sometimes sends as a JSON number.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0, bytes.Equal(b, []byte("null")):
		*t = ""
		return nil
	case b[0] == '"':
		var s string
		if err := sonic.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	default:
		*t = Text(b)
		return nil
	}
}

func (t Text) String() string { return string(t) }

// Int parses the value as an integer; unparseable values are 0.
func (t Text) Int() int {
	n, err := strconv.Atoi(string(t))
	if err != nil {
		return 0
	}
	return n
}

// Float parses the value as a float.
func (t Text) Float() (float64, bool) {
	if t == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(string(t), 64)
	return f, err == nil
}

type BaseResponse struct {
	Status  Text `json:"status"`
	Code    Text `json:"code"`
	Message Text `json:"message,omitempty"`
}

func (r BaseResponse) OK() bool { return r.Status == "00" && r.Code == "0" }

// Err is nil when OK, otherwise ErrNotOK annotated with the upstream codes.
func (r BaseResponse) Err() error {
	if r.OK() {
		return nil
	}
	if r.Message != "" {
		return fmt.Errorf("%w: status=%q code=%q: %s", ErrNotOK, r.Status, r.Code, r.Message)
	}
	return fmt.Errorf("%w: status=%q code=%q", ErrNotOK, r.Status, r.Code)
}

// SignPoint is a morning check-in location. It is also the shape cached on
// scheduled tasks.
type SignPoint struct {
	TaskID    Text `json:"taskId"`
	PointID   Text `json:"pointId"`
	Latitude  Text `json:"latitude"`
	Longitude Text `json:"longitude"`
	QRCode    Text `json:"qrCode,omitempty"`
	PointName Text `json:"pointName,omitempty"`
	SignType  Text `json:"signType,omitempty"`
}

func (p SignPoint) Coordinates() (lat, lon float64, ok bool) {
	lat, okLat := p.Latitude.Float()
	lon, okLon := p.Longitude.Float()
	return lat, lon, okLat && okLon
}

type LoginRequest struct {
	Code        string `json:"code"`
	Latitude    string `json:"latitude"`
	LoginWay    string `json:"loginWay"`
	Longitude   string `json:"longitude"`
	Password    string `json:"password"`
	PhoneNumber string `json:"phoneNumber"`
	Token       string `json:"token"`
}

// LoginResponse keeps the raw body; the session fields are nested under
// container keys that vary between deployments.
type LoginResponse struct {
	BaseResponse
	Raw []byte `json:"-"`
}

type PaperRequest struct {
	CampusID  string `json:"campusId"`
	SchoolID  string `json:"schoolId"`
	StuNumber string `json:"stuNumber"`
	Token     string `json:"token"`
}

type PaperResponse struct {
	BaseResponse
	SignType         Text        `json:"signType"`
	StartDate        Text        `json:"startDate,omitempty"`
	EndDate          Text        `json:"endDate,omitempty"`
	StartTime        Text        `json:"startTime,omitempty"`
	EndTime          Text        `json:"endTime,omitempty"`
	DayNeedSignCount Text        `json:"dayNeedSignCount"`
	DayCompSignCount Text        `json:"dayCompSignCount"`
	QRCode           Text        `json:"qrCode,omitempty"`
	SignPointList    []SignPoint `json:"signPointList"`
}

type SubmitRequest struct {
	StuNumber   string `json:"stuNumber"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	QRCode      string `json:"qrCode,omitempty"`
	HeadImage   string `json:"headImage,omitempty"`
	BaseStation string `json:"baseStation,omitempty"`
	Longitude   string `json:"longitude"`
	Latitude    string `json:"latitude"`
	PhoneInfo   string `json:"phoneInfo,omitempty"`
	Mac         string `json:"mac,omitempty"`
	TaskID      string `json:"taskId"`
	PointID     string `json:"pointId"`
	AppVersion  string `json:"appVersion,omitempty"`
	SignType    string `json:"signType,omitempty"`
	Token       string `json:"token"`
	FaceData    string `json:"faceData,omitempty"`
	CampusID    string `json:"campusId,omitempty"`
	SchoolID    string `json:"schoolId,omitempty"`
	DeviceType  string `json:"deviceType,omitempty"`
}

// SubmitResponse keeps the raw body so callers can store it.
type SubmitResponse struct {
	BaseResponse
	Raw []byte `json:"-"`
}

// ArchRequest asks for the student's morning check-in record for the term.
type ArchRequest struct {
	CampusID  string `json:"campusId,omitempty"`
	SchoolID  string `json:"schoolId"`
	StuNumber string `json:"stuNumber"`
	Token     string `json:"token"`
}

// ArchResponse summarizes completed check-ins. Score entries are passed
// through as the upstream sends them.
type ArchResponse struct {
	BaseResponse
	CompletedTimes  Text             `json:"completedTimes"`
	IncompleteTimes Text             `json:"incompleteTimes"`
	RequireNumber   Text             `json:"requireNumber"`
	IfDayHasComSign Text             `json:"ifDayHasComSign"`
	ScoreList       []map[string]any `json:"scoreList"`
}
