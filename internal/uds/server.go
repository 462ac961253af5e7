package uds

import "encoding/binary"

// Request is a decoded diagnostic request.
type Request struct {
	ServiceID byte
	Payload   []byte
}

// ParseRequest splits a reassembled transport payload into service id and
// parameters. ok is false for an empty payload.
func ParseRequest(b []byte) (req Request, ok bool) {
	if len(b) == 0 {
		return Request{}, false
	}
	return Request{ServiceID: b[0], Payload: b[1:]}, true
}

// Response is an encoded diagnostic response.
type Response []byte

// Negative builds the 0x7F response for sid.
func Negative(sid, nrc byte) Response {
	return Response{SIDNegativeResponse, sid, nrc}
}

// ServiceHandler answers one service. It must not mutate shared state.
type ServiceHandler func(req Request) Response

// Server dispatches requests to registered services. Only Read Data By
// Identifier is registered by NewServer; further services are added with
// Handle.
type Server struct {
	dids     *DIDTable
	services map[byte]ServiceHandler
}

func NewServer(dids *DIDTable) *Server {
	s := &Server{dids: dids, services: make(map[byte]ServiceHandler)}
	s.Handle(SIDReadDataByIdentifier, s.readDataByIdentifier)
	return s
}

// Handle registers h for sid, replacing any previous handler.
func (s *Server) Handle(sid byte, h ServiceHandler) {
	s.services[sid] = h
}

// Dispatch maps a request payload to its response. Unknown services get
// NRC 0x11. An empty request yields nil: there is nothing to answer.
func (s *Server) Dispatch(b []byte) Response {
	req, ok := ParseRequest(b)
	if !ok {
		return nil
	}
	h, ok := s.services[req.ServiceID]
	if !ok {
		return Negative(req.ServiceID, NRCServiceNotSupported)
	}
	return h(req)
}

func (s *Server) readDataByIdentifier(req Request) Response {
	if len(req.Payload) < 2 {
		return Negative(req.ServiceID, NRCIncorrectMessageLength)
	}
	did := binary.BigEndian.Uint16(req.Payload)
	data, ok := s.dids.Lookup(did)
	if !ok {
		return Negative(req.ServiceID, NRCRequestOutOfRange)
	}
	resp := make(Response, 0, 3+len(data))
	resp = append(resp, req.ServiceID+PositiveOffset, req.Payload[0], req.Payload[1])
	return append(resp, data...)
}
