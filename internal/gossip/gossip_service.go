package gossip

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairfs/internal/model"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// Roles carried in member metadata
const (
	RoleCoordinator = "coordinator"
	RoleStorage     = "storage"
)

// MemberMeta is the JSON metadata each member advertises
type MemberMeta struct {
	NodeID  string `json:"node_id"`
	Role    string `json:"role"`
	Address string `json:"address,omitempty"`
}

// Toucher refreshes a storage node's liveness without a full heartbeat
type Toucher interface {
	Touch(id model.NodeID) bool
}

// Config holds gossip configuration
type Config struct {
	Enabled        bool
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// Service joins the storage cluster's memberlist and feeds membership
// events to the liveness tracker. Gossip only refreshes nodes that have
// already registered; it never declares a node dead.
type Service struct {
	config     *Config
	memberlist *memberlist.Memberlist
	meta       MemberMeta
	toucher    Toucher
	logger     *zap.Logger

	mu      sync.RWMutex
	members map[string]MemberMeta
}

// NewService creates the delegate state without joining the cluster
func NewService(cfg *Config, meta MemberMeta, toucher Toucher, logger *zap.Logger) *Service {
	return &Service{
		config:  cfg,
		meta:    meta,
		toucher: toucher,
		logger:  logger,
		members: make(map[string]MemberMeta),
	}
}

// Start creates the memberlist and joins seed nodes
func (s *Service) Start() error {
	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = s.meta.NodeID
	if s.config.BindAddr != "" {
		mlConfig.BindAddr = s.config.BindAddr
	}
	mlConfig.BindPort = s.config.BindPort
	mlConfig.AdvertisePort = s.config.BindPort
	if s.config.GossipInterval > 0 {
		mlConfig.GossipInterval = s.config.GossipInterval
	}
	if s.config.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = s.config.ProbeTimeout
	}
	if s.config.ProbeInterval > 0 {
		mlConfig.ProbeInterval = s.config.ProbeInterval
	}
	mlConfig.Delegate = s
	mlConfig.Events = &EventDelegate{service: s}
	mlConfig.LogOutput = zap.NewStdLog(s.logger.Named("memberlist")).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return fmt.Errorf("failed to create memberlist: %w", err)
	}
	s.memberlist = ml

	if len(s.config.SeedNodes) > 0 {
		joined, err := ml.Join(s.config.SeedNodes)
		if err != nil {
			s.logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
		s.logger.Info("Joined gossip cluster", zap.Int("contacted", joined))
	}
	return nil
}

// NodeMeta implements memberlist.Delegate
func (s *Service) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(s.meta)
	if len(data) > limit {
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *Service) NotifyMsg(data []byte) {}

// GetBroadcasts implements memberlist.Delegate
func (s *Service) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *Service) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (s *Service) MergeRemoteState(buf []byte, join bool) {}

// Members returns the storage members currently known through gossip
func (s *Service) Members() map[string]MemberMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]MemberMeta, len(s.members))
	for k, v := range s.members {
		out[k] = v
	}
	return out
}

// Shutdown leaves the cluster
func (s *Service) Shutdown() error {
	if s.memberlist == nil {
		return nil
	}
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Failed to leave gossip cluster", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

func (s *Service) observe(node *memberlist.Node) {
	meta, ok := s.decode(node)
	if !ok || meta.Role != RoleStorage {
		return
	}

	s.mu.Lock()
	s.members[meta.NodeID] = meta
	s.mu.Unlock()

	if !s.toucher.Touch(model.NodeID(meta.NodeID)) {
		s.logger.Debug("Gossip member not registered with coordinator",
			zap.String("node_id", meta.NodeID))
	}
}

func (s *Service) forget(node *memberlist.Node) {
	meta, ok := s.decode(node)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.members, meta.NodeID)
	s.mu.Unlock()
	s.logger.Info("Storage node left gossip cluster", zap.String("node_id", meta.NodeID))
}

func (s *Service) decode(node *memberlist.Node) (MemberMeta, bool) {
	var meta MemberMeta
	if len(node.Meta) == 0 {
		return meta, false
	}
	if err := json.Unmarshal(node.Meta, &meta); err != nil {
		s.logger.Warn("Failed to decode gossip member metadata",
			zap.String("member", node.Name),
			zap.Error(err))
		return meta, false
	}
	if meta.NodeID == "" {
		meta.NodeID = node.Name
	}
	return meta, true
}

// EventDelegate handles memberlist events
type EventDelegate struct {
	service *Service
}

// NotifyJoin is called when a node joins
func (d *EventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Gossip member joined",
		zap.String("member", node.Name),
		zap.String("addr", node.Address()))
	d.service.observe(node)
}

// NotifyLeave is called when a node leaves
func (d *EventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.forget(node)
}

// NotifyUpdate is called when a node's metadata changes
func (d *EventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.observe(node)
}
