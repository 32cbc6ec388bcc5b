package esl

import (
	"encoding/json"
	"encoding/xml"
)

// EventMessage is an immutable, read-only view of one event frame.
// Equality is by identity — two EventMessages built from distinct
// frames are never considered equal even if their contents coincide.
type EventMessage struct {
	frame *Frame

	eventName    string
	uuid         string
	channelState ChannelState
	answerState  AnswerState
	hangupCause  HangupCause
}

// newEventMessage classifies and indexes the well-typed fields of a frame
// that is known to carry an event (text/event-plain|json|xml). The frame's
// Content-Type-specific unwrapping (merging a nested header block for
// plain, unmarshalling JSON, decoding XML) must already have happened.
func newEventMessage(f *Frame) *EventMessage {
	em := &EventMessage{frame: f}
	em.eventName = f.Headers[HeaderEventName]
	if sub := f.Headers[HeaderEventSubclass]; sub != "" {
		em.eventName = sub
	}
	if u := f.Headers[HeaderUniqueID]; u != "" {
		em.uuid = u
	} else {
		em.uuid = f.Headers[HeaderChannelCallUUID]
	}
	em.channelState = ChannelState(f.Headers[HeaderChannelState])
	if v, ok := f.Headers[HeaderAnswerState]; ok {
		em.answerState = AnswerState(v)
	}
	if v, ok := f.Headers[HeaderHangupCause]; ok {
		em.hangupCause = HangupCause(v)
	}
	return em
}

// EventName returns the event's Event-Name, overridden by Event-Subclass
// for CUSTOM events the way FreeSwitch expects.
func (e *EventMessage) EventName() string { return e.eventName }

// UUID returns the call UUID the event pertains to, from Unique-ID or
// Channel-Call-UUID.
func (e *EventMessage) UUID() string { return e.uuid }

// ChannelState returns the channel's CS_* state at the time of the event.
func (e *EventMessage) ChannelState() ChannelState { return e.channelState }

// AnswerState returns the event's answer state, if the frame carried one.
func (e *EventMessage) AnswerState() (AnswerState, bool) {
	return e.answerState, e.answerState != AnswerStateUnknown
}

// HangupCause returns the event's hangup cause, if the frame carried one.
func (e *EventMessage) HangupCause() (HangupCause, bool) {
	return e.hangupCause, e.hangupCause != HangupCauseNone
}

// Body returns the event's raw body, e.g. the BACKGROUND_JOB result text.
func (e *EventMessage) Body() []byte { return e.frame.Body }

// GetHeader percent-decodes and returns a header value lazily, on access.
func (e *EventMessage) GetHeader(name string) string {
	return percentDecode(e.frame.Headers[name])
}

// GetVariable inspects the variable_<name> header, the convention
// FreeSwitch uses to expose channel variables on events.
func (e *EventMessage) GetVariable(name string) string {
	return e.GetHeader("variable_" + name)
}

// Headers exposes the full raw header set, for callers building their own
// predicates over events (see the attended-transfer orchestration).
func (e *EventMessage) Headers() map[string]string {
	return e.frame.Headers
}

// frameToEventMessage classifies a frame whose Content-Type is one of the
// text/event-* variants and produces the corresponding EventMessage,
// performing whatever body unwrapping that Content-Type requires.
func frameToEventMessage(f *Frame) (*EventMessage, error) {
	switch f.ContentType() {
	case ContentTypeTextEventPlain:
		if err := mergeEventBody(f); err != nil {
			return nil, err
		}
		return newEventMessage(f), nil
	case ContentTypeTextEventJSON:
		return eventFromJSON(f)
	case ContentTypeTextEventXML:
		return eventFromXML(f)
	default:
		return nil, &ProtocolError{Reason: "not an event frame: " + f.ContentType()}
	}
}

func eventFromJSON(f *Frame) (*EventMessage, error) {
	raw := map[string]interface{}{}
	if err := json.Unmarshal(f.Body, &raw); err != nil {
		return nil, &ProtocolError{Reason: "invalid event-json body: " + err.Error()}
	}
	body := ""
	for k, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if k == "_body" {
			body = s
			continue
		}
		if _, exists := f.Headers[k]; !exists {
			f.Headers[k] = s
			f.order = append(f.order, k)
		}
	}
	f.Body = []byte(body)
	return newEventMessage(f), nil
}

// eventXMLDoc matches the <event><headers><name>v</name>...</headers>
// <body>...</body></event> shape FreeSwitch's mod_event_socket emits for
// text/event-xml.
type eventXMLDoc struct {
	Headers struct {
		Items []eventXMLHeader `xml:",any"`
	} `xml:"headers"`
	Body string `xml:"body"`
}

type eventXMLHeader struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

func eventFromXML(f *Frame) (*EventMessage, error) {
	var doc eventXMLDoc
	if err := xml.Unmarshal(f.Body, &doc); err != nil {
		return nil, &ProtocolError{Reason: "invalid event-xml body: " + err.Error()}
	}
	for _, h := range doc.Headers.Items {
		if _, exists := f.Headers[h.XMLName.Local]; !exists {
			f.Headers[h.XMLName.Local] = h.Value
			f.order = append(f.order, h.XMLName.Local)
		}
	}
	f.Body = []byte(doc.Body)
	return newEventMessage(f), nil
}
