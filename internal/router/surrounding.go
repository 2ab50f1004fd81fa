package router

import (
	"net"
	"time"

	"github.com/imgcluster/node/internal/wire"
)

// dispatchSurrounding handles the storage/directory operations named in
// spec §4.3 for interface completeness only: session registration,
// username checks, sending/listing/viewing images. None of it touches
// cluster state or the control plane.
func (r *Router) dispatchSurrounding(from *net.UDPAddr, msgType wire.Type, msg interface{}) {
	if r.store == nil || r.auth == nil {
		r.log.Warn("surrounding message %s received but directory store is not wired up", msgType)
		return
	}

	switch m := msg.(type) {
	case *wire.SessionRegister:
		r.handleSessionRegister(from, m)
	case *wire.CheckUsername:
		r.handleCheckUsername(from, m)
	case *wire.SendImage:
		r.handleSendImage(from, m)
	case *wire.ListImages:
		r.handleListImages(from, m)
	case *wire.ViewImageRequest:
		r.handleViewImageRequest(from, m)
	default:
		r.log.Warn("no handler for message type %s", msgType)
	}
}

func (r *Router) handleSessionRegister(from *net.UDPAddr, m *wire.SessionRegister) {
	if !r.store.RegisterUsername(m.Username) {
		r.send(from, wire.SessionAck{Type: wire.TypeSessionAck, Token: ""})
		return
	}
	token, err := r.auth.IssueToken(m.Username)
	if err != nil {
		r.log.Error("issue session token for %s: %v", m.Username, err)
		r.send(from, wire.SessionAck{Type: wire.TypeSessionAck, Token: ""})
		return
	}
	r.send(from, wire.SessionAck{Type: wire.TypeSessionAck, Token: token})
}

func (r *Router) handleCheckUsername(from *net.UDPAddr, m *wire.CheckUsername) {
	r.send(from, wire.CheckUsernameAck{
		Type:      wire.TypeCheckUsernameAck,
		Available: r.store.UsernameAvailable(m.Username),
	})
}

func (r *Router) handleSendImage(from *net.UDPAddr, m *wire.SendImage) {
	if _, err := r.auth.ValidateToken(m.Token); err != nil {
		r.log.Warn("rejecting SendImage from %s: %v", from, err)
		r.send(from, wire.SendImageAck{Type: wire.TypeSendImageAck, ImageID: ""})
		return
	}
	id := r.store.SendImage(m.From, m.To, m.EncryptedBytes, m.MaxViews, time.Now().UnixNano())
	r.send(from, wire.SendImageAck{Type: wire.TypeSendImageAck, ImageID: id})
}

func (r *Router) handleListImages(from *net.UDPAddr, m *wire.ListImages) {
	username, err := r.auth.ValidateToken(m.Token)
	if err != nil || username != m.Username {
		r.send(from, wire.ListImagesAck{Type: wire.TypeListImagesAck})
		return
	}
	r.send(from, wire.ListImagesAck{Type: wire.TypeListImagesAck, Images: r.store.ListImages(username)})
}

func (r *Router) handleViewImageRequest(from *net.UDPAddr, m *wire.ViewImageRequest) {
	username, err := r.auth.ValidateToken(m.Token)
	if err != nil || username != m.Username {
		r.send(from, wire.ViewImageResponse{Type: wire.TypeViewImageResponse, Error: "unauthorized"})
		return
	}
	encrypted, remaining, err := r.store.ViewImage(username, m.ImageID)
	if err != nil {
		r.send(from, wire.ViewImageResponse{Type: wire.TypeViewImageResponse, Error: err.Error()})
		return
	}
	r.send(from, wire.ViewImageResponse{
		Type:           wire.TypeViewImageResponse,
		EncryptedBytes: encrypted,
		RemainingViews: remaining,
	})
}
