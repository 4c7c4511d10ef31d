// Package sanitize reduces non-streaming chat responses to the public shape
// {id, object, choices:[{index, message:{role, content}, finish_reason}]}.
package sanitize

import (
	"errors"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"chat-gateway/internal/translator"
)

// ErrNotJSON indicates the body cannot be sanitized.
var ErrNotJSON = errors.New("response body is not valid JSON")

const completionObject = "chat.completion"

// Sanitize accepts an OpenAI-shaped or Gemini-native response body and
// returns the reduced body. Usage, model identifiers and provider metadata
// are dropped; each content value is copied byte-for-byte. Bodies carrying an
// error key are returned unchanged.
func Sanitize(body []byte) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrNotJSON
	}
	root := gjson.ParseBytes(body)
	if root.Get("error").Exists() || root.Get("0.error").Exists() {
		return body, nil
	}

	out := []byte(`{}`)
	var err error
	set := func(path, raw string) {
		if err == nil {
			out, err = sjson.SetRawBytes(out, path, []byte(raw))
		}
	}

	id := root.Get("id")
	if !id.Exists() {
		id = root.Get("responseId")
	}
	set("id", stringRaw(id))
	set("object", strconv.Quote(completionObject))
	set("choices", "[]")

	switch {
	case root.Get("choices").IsArray():
		root.Get("choices").ForEach(func(key, choice gjson.Result) bool {
			prefix := "choices." + key.String()
			set(prefix+".index", indexRaw(choice.Get("index"), key))
			role := choice.Get("message.role")
			set(prefix+".message.role", valueOr(role, `"assistant"`))
			set(prefix+".message.content", valueOr(choice.Get("message.content"), `""`))
			set(prefix+".finish_reason", valueOr(choice.Get("finish_reason"), "null"))
			return err == nil
		})

	case root.Get("candidates").IsArray():
		root.Get("candidates").ForEach(func(key, candidate gjson.Result) bool {
			prefix := "choices." + key.String()
			set(prefix+".index", indexRaw(candidate.Get("index"), key))
			set(prefix+".message.role", `"assistant"`)
			set(prefix+".message.content", strconv.Quote(geminiText(candidate)))
			set(prefix+".finish_reason", finishRaw(candidate.Get("finishReason")))
			return err == nil
		})
	}

	if err != nil {
		return nil, err
	}
	return out, nil
}

func stringRaw(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.Raw
	}
	return `""`
}

func valueOr(v gjson.Result, fallback string) string {
	if v.Exists() {
		return v.Raw
	}
	return fallback
}

func indexRaw(v, position gjson.Result) string {
	if v.Type == gjson.Number {
		return v.Raw
	}
	return strconv.Itoa(int(position.Int()))
}

func finishRaw(v gjson.Result) string {
	reason := translator.NormalizeFinishReason(v.String())
	if reason == nil {
		return "null"
	}
	return strconv.Quote(string(*reason))
}

func geminiText(candidate gjson.Result) string {
	var text string
	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		if !part.Get("thought").Bool() {
			text += part.Get("text").String()
		}
		return true
	})
	return text
}
