package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// StatusOK is the success value of the envelope's code field
const StatusOK = 200

// envelope is the wrapper every endpoint answers with
type envelope[T any] struct {
	Code *int   `json:"code"`
	Msg  string `json:"msg"`
	Data *T     `json:"data"`
}

// infoData is the data object of /api/vod/info
type infoData struct {
	Title   string  `json:"title"`
	VodName string  `json:"vod_name"`
	Labels  []Label `json:"labels"`
}

// searchData is the data object of /api/vod/clever
type searchData struct {
	List []searchItem `json:"list"`
}

type searchItem struct {
	ID    FlexID `json:"id"`
	VodID FlexID `json:"vod_id"`
}

// Info is the validated metadata of one item
type Info struct {
	ID     string
	Title  string
	Labels []string
}

// Label is a tag name sent either as a string or as {"name": ...}
type Label string

// UnmarshalJSON implements json.Unmarshaler
func (l *Label) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = Label(s)
		return nil
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("label must be a string or an object with a name: %s", data)
	}
	*l = Label(obj.Name)
	return nil
}

// FlexID is an identifier sent either as a JSON string or number
type FlexID string

// UnmarshalJSON implements json.Unmarshaler
func (id *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %s", data)
	}
	if i, err := n.Int64(); err == nil {
		*id = FlexID(strconv.FormatInt(i, 10))
		return nil
	}
	*id = FlexID(n.String())
	return nil
}
