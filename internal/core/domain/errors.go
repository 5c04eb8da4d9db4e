package domain

import "errors"

var (
	ErrPeerNotConnected         = errors.New("peer not connected")
	ErrPeerNotFound             = errors.New("peer not found")
	ErrTransportNotFound        = errors.New("transport not found")
	ErrProducerNotFound         = errors.New("producer not found")
	ErrConsumerNotFound         = errors.New("consumer not found")
	ErrIncompatibleCapabilities = errors.New("incompatible rtp capabilities")
	ErrTransportCreation        = errors.New("transport creation failed")
	ErrWrongTransportDirection  = errors.New("wrong transport direction")
	ErrInvalidDirection         = errors.New("invalid transport direction")
	ErrRoomClosed               = errors.New("room closed")
)
