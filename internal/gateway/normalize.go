package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedPayload is returned when the body is not a gateway event at all.
var ErrMalformedPayload = errors.New("gateway: malformed payload")

// Gateway event names, normalized to lower-case dotted form.
// Gateways configured with "webhook by events" send MESSAGES_UPSERT etc.
const (
	eventMessagesUpsert   = "messages.upsert"
	eventMessagesUpdate   = "messages.update"
	eventConnectionUpdate = "connection.update"
)

type envelope struct {
	Event      string          `json:"event"`
	Instance   string          `json:"instance"`
	InstanceID string          `json:"instanceId"`
	APIKey     string          `json:"apikey"`
	Data       json.RawMessage `json:"data"`
}

type messageKey struct {
	RemoteJID   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	ID          string `json:"id"`
	Participant string `json:"participant"`
}

type textBody struct {
	Text string `json:"text"`
}

type captioned struct {
	Caption string `json:"caption"`
}

type messageContent struct {
	Conversation    string    `json:"conversation"`
	ExtendedText    *textBody `json:"extendedTextMessage"`
	ButtonsResponse *struct {
		SelectedDisplayText string `json:"selectedDisplayText"`
		SelectedButtonID    string `json:"selectedButtonId"`
	} `json:"buttonsResponseMessage"`
	ListResponse *struct {
		Title string `json:"title"`
	} `json:"listResponseMessage"`
	Image    *captioned      `json:"imageMessage"`
	Video    *captioned      `json:"videoMessage"`
	Document *captioned      `json:"documentMessage"`
	Audio    json.RawMessage `json:"audioMessage"`
	Sticker  json.RawMessage `json:"stickerMessage"`
	Reaction json.RawMessage `json:"reactionMessage"`
	Location json.RawMessage `json:"locationMessage"`
}

// messageRecord is one chat message as the gateway describes it.
type messageRecord struct {
	Key              *messageKey     `json:"key"`
	Message          json.RawMessage `json:"message"`
	MessageType      string          `json:"messageType"`
	MessageTimestamp flexUnix        `json:"messageTimestamp"`
	PushName         string          `json:"pushName"`
	InstanceID       string          `json:"instanceId"`
}

// payloadShape is the tagged variant of a messages.upsert data block.
type payloadShape int

const (
	shapeUnknown payloadShape = iota
	// shapeFlat: data.key + data.message
	shapeFlat
	// shapeNested: data.message.key + data.message.message
	shapeNested
)

type statusRecord struct {
	KeyID      string      `json:"keyId"`
	Key        *messageKey `json:"key"`
	Status     flexString  `json:"status"`
	InstanceID string      `json:"instanceId"`
	FromMe     bool        `json:"fromMe"`
}

type connectionRecord struct {
	Instance string `json:"instance"`
	State    string `json:"state"`
}

// Normalize converts a raw webhook body into an Event.
//
// Resolution rules for message payloads, in order:
//  1. data is an array            -> every element resolved by rules 2-3
//  2. data.key present            -> flat shape
//  3. data.message.key present    -> nested shape
//  4. data.messages is an array   -> every element resolved by rules 2-3
//  5. otherwise                   -> NotAMessage ("unrecognized_shape")
//
// Batched records keep their order: the first is Event.Message, the rest
// Event.Batch. A missing event name is treated as messages.upsert when any
// record resolves.
func Normalize(raw []byte) (Event, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return Event{}, fmt.Errorf("%w: data is required", ErrMalformedPayload)
	}

	instance := firstNonEmpty(env.Instance, env.InstanceID)
	name := normalizeEventName(env.Event)

	switch name {
	case eventConnectionUpdate:
		return normalizeConnection(instance, env.Data)
	case eventMessagesUpdate:
		return normalizeStatus(instance, env.Data)
	case eventMessagesUpsert, "":
		return normalizeMessage(name, instance, env.Data, raw)
	default:
		return Event{Kind: EventKindIgnored, IgnoredReason: "unsupported_event:" + name}, nil
	}
}

// ExtractAPIKey returns the top-level apikey field of a payload, if any.
func ExtractAPIKey(raw []byte) string {
	var env struct {
		APIKey string `json:"apikey"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return ""
	}
	return env.APIKey
}

func normalizeMessage(name, instance string, data json.RawMessage, raw []byte) (Event, error) {
	recs, err := resolveRecords(data)
	if err != nil {
		return Event{}, err
	}
	if len(recs) == 0 {
		if name == "" {
			return Event{}, fmt.Errorf("%w: no event name and no message key", ErrMalformedPayload)
		}
		return Event{Kind: EventKindIgnored, IgnoredReason: "unrecognized_shape"}, nil
	}

	out := make([]InboundEvent, 0, len(recs))
	for _, rec := range recs {
		if rec.Key.ID == "" {
			return Event{}, fmt.Errorf("%w: message key id is required", ErrMalformedPayload)
		}
		if isGroupOrBroadcast(rec.Key.RemoteJID) {
			continue
		}
		in, err := inboundFromRecord(instance, rec, raw)
		if err != nil {
			return Event{}, err
		}
		out = append(out, in)
	}
	if len(out) == 0 {
		return Event{Kind: EventKindIgnored, IgnoredReason: "group_or_broadcast"}, nil
	}

	ev := Event{Kind: EventKindMessage, Message: &out[0]}
	if len(out) > 1 {
		ev.Batch = out[1:]
	}
	return ev, nil
}

func inboundFromRecord(instance string, rec messageRecord, raw []byte) (InboundEvent, error) {
	var content messageContent
	if len(rec.Message) > 0 && string(rec.Message) != "null" {
		if err := json.Unmarshal(rec.Message, &content); err != nil {
			return InboundEvent{}, fmt.Errorf("%w: message content: %v", ErrMalformedPayload, err)
		}
	}
	text, isText, msgType := extractText(content)
	if rec.MessageType != "" {
		msgType = rec.MessageType
	}

	return InboundEvent{
		InstanceID:       firstNonEmpty(instance, rec.InstanceID),
		GatewayMessageID: rec.Key.ID,
		Phone:            PhoneFromJID(rec.Key.RemoteJID),
		PushName:         rec.PushName,
		Text:             text,
		IsText:           isText,
		MessageType:      msgType,
		FromMe:           rec.Key.FromMe,
		Timestamp:        rec.MessageTimestamp.Time(),
		RawPayload:       string(raw),
	}, nil
}

// resolveRecords returns the message records of a messages.upsert data block.
// An empty result means no rule matched.
func resolveRecords(data json.RawMessage) ([]messageRecord, error) {
	if isJSONArray(data) {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return resolveEach(items)
	}
	if !isJSONObject(data) {
		return nil, fmt.Errorf("%w: data must be an object or an array", ErrMalformedPayload)
	}

	rec, shape, err := resolveShape(data)
	if err != nil {
		return nil, err
	}
	if shape != shapeUnknown {
		return []messageRecord{rec}, nil
	}

	var wrapped struct {
		Messages json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && isJSONArray(wrapped.Messages) {
		var items []json.RawMessage
		if err := json.Unmarshal(wrapped.Messages, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return resolveEach(items)
	}
	return nil, nil
}

// resolveEach resolves batched records. Elements of unknown shape are skipped.
func resolveEach(items []json.RawMessage) ([]messageRecord, error) {
	out := make([]messageRecord, 0, len(items))
	for _, item := range items {
		if !isJSONObject(item) {
			return nil, fmt.Errorf("%w: batched record must be an object", ErrMalformedPayload)
		}
		rec, shape, err := resolveShape(item)
		if err != nil {
			return nil, err
		}
		if shape != shapeUnknown {
			out = append(out, rec)
		}
	}
	return out, nil
}

func resolveShape(data json.RawMessage) (messageRecord, payloadShape, error) {
	var flat messageRecord
	if err := json.Unmarshal(data, &flat); err != nil {
		return messageRecord{}, shapeUnknown, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if flat.Key != nil {
		return flat, shapeFlat, nil
	}
	if isJSONObject(flat.Message) {
		var inner messageRecord
		if err := json.Unmarshal(flat.Message, &inner); err == nil && inner.Key != nil {
			if inner.InstanceID == "" {
				inner.InstanceID = flat.InstanceID
			}
			if inner.PushName == "" {
				inner.PushName = flat.PushName
			}
			return inner, shapeNested, nil
		}
	}
	return messageRecord{}, shapeUnknown, nil
}

func extractText(c messageContent) (text string, isText bool, msgType string) {
	switch {
	case c.Conversation != "":
		return c.Conversation, true, "conversation"
	case c.ExtendedText != nil && c.ExtendedText.Text != "":
		return c.ExtendedText.Text, true, "extendedTextMessage"
	case c.ButtonsResponse != nil:
		return firstNonEmpty(c.ButtonsResponse.SelectedDisplayText, c.ButtonsResponse.SelectedButtonID), true, "buttonsResponseMessage"
	case c.ListResponse != nil && c.ListResponse.Title != "":
		return c.ListResponse.Title, true, "listResponseMessage"
	case c.Image != nil:
		return c.Image.Caption, c.Image.Caption != "", "imageMessage"
	case c.Video != nil:
		return c.Video.Caption, c.Video.Caption != "", "videoMessage"
	case c.Document != nil:
		return c.Document.Caption, c.Document.Caption != "", "documentMessage"
	case len(c.Audio) > 0:
		return "", false, "audioMessage"
	case len(c.Sticker) > 0:
		return "", false, "stickerMessage"
	case len(c.Reaction) > 0:
		return "", false, "reactionMessage"
	case len(c.Location) > 0:
		return "", false, "locationMessage"
	}
	return "", false, "unknown"
}

func normalizeStatus(instance string, data json.RawMessage) (Event, error) {
	if !isJSONObject(data) {
		return Event{Kind: EventKindIgnored, IgnoredReason: "status_batch"}, nil
	}
	var rec statusRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	id := rec.KeyID
	if id == "" && rec.Key != nil {
		id = rec.Key.ID
	}
	if id == "" {
		return Event{Kind: EventKindIgnored, IgnoredReason: "status_without_id"}, nil
	}
	st, ok := mapDeliveryStatus(string(rec.Status))
	if !ok {
		return Event{Kind: EventKindIgnored, IgnoredReason: "unknown_status:" + string(rec.Status)}, nil
	}
	return Event{Kind: EventKindStatus, Status: &StatusUpdate{
		InstanceID:        firstNonEmpty(instance, rec.InstanceID),
		ProviderMessageID: id,
		Status:            st,
		RawStatus:         string(rec.Status),
	}}, nil
}

func normalizeConnection(instance string, data json.RawMessage) (Event, error) {
	var rec connectionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	inst := firstNonEmpty(instance, rec.Instance)
	if inst == "" {
		return Event{}, fmt.Errorf("%w: connection update without instance", ErrMalformedPayload)
	}
	return Event{Kind: EventKindConnection, Connection: &ConnectionUpdate{
		InstanceID: inst,
		State:      mapConnectionState(rec.State),
		RawState:   rec.State,
	}}, nil
}

func mapConnectionState(s string) ConnectionState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open":
		return ConnectionConnected
	case "connecting":
		return ConnectionConnecting
	case "close", "closed":
		return ConnectionDisconnected
	default:
		return ConnectionError
	}
}

func mapDeliveryStatus(s string) (DeliveryStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PENDING":
		return DeliveryStatusPending, true
	case "SERVER_ACK", "1", "2":
		return DeliveryStatusSent, true
	case "DELIVERY_ACK", "3":
		return DeliveryStatusDelivered, true
	case "READ", "PLAYED", "4", "5":
		return DeliveryStatusRead, true
	case "ERROR", "0":
		return DeliveryStatusFailed, true
	}
	return "", false
}

// PhoneFromJID extracts the digits-only phone from a WhatsApp JID such as
// "5511999999999@s.whatsapp.net" or "5511999999999:12@c.us".
// It returns "" when no phone can be resolved.
func PhoneFromJID(jid string) string {
	jid = strings.TrimSpace(jid)
	if jid == "" || isGroupOrBroadcast(jid) {
		return ""
	}
	user := jid
	if at := strings.IndexByte(user, '@'); at >= 0 {
		domain := user[at+1:]
		if domain != "s.whatsapp.net" && domain != "c.us" {
			return ""
		}
		user = user[:at]
	}
	if colon := strings.IndexByte(user, ':'); colon >= 0 {
		user = user[:colon]
	}
	user = strings.TrimPrefix(user, "+")
	if len(user) < 5 || len(user) > 20 {
		return ""
	}
	for _, r := range user {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return user
}

func isGroupOrBroadcast(jid string) bool {
	return strings.HasSuffix(jid, "@g.us") || strings.HasSuffix(jid, "@broadcast") || strings.HasSuffix(jid, "@newsletter")
}

func normalizeEventName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.ReplaceAll(s, "_", ".")
}

func isJSONObject(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && t[0] == '{'
}

func isJSONArray(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && t[0] == '['
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// flexUnix accepts unix seconds as a JSON number or numeric string.
type flexUnix int64

func (f *flexUnix) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// Some gateways emit {"low":..,"high":..,"unsigned":..} long objects.
		var long struct {
			Low int64 `json:"low"`
		}
		if jerr := json.Unmarshal(b, &long); jerr == nil {
			*f = flexUnix(long.Low)
			return nil
		}
		return fmt.Errorf("invalid timestamp %q", s)
	}
	*f = flexUnix(n)
	return nil
}

func (f flexUnix) Time() time.Time {
	if f <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(f), 0).UTC()
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	*f = flexString(strings.Trim(string(b), `"`))
	return nil
}
