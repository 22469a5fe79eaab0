package gossip

import (
	"context"
	"encoding/json"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/custodex/pkg/app/core/exchange"
)

const topicEvents = "custodex-events-1"

// Publisher pushes confirmed exchange events onto a gossipsub topic so
// off-node indexers and mirrors can follow the log without polling the REST
// API. Publish-only: inbound messages on the topic are ignored, the event
// log on this node is the sole writer.
type Publisher struct {
	h     host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	log   *zap.SugaredLogger
}

type Config struct {
	ListenAddr string   // optional multiaddr to listen on
	Bootstrap  []string // peers to dial at startup
	Logger     *zap.SugaredLogger
}

func NewPublisher(ctx context.Context, cfg Config) (*Publisher, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, err
	}
	topic, err := ps.Join(topicEvents)
	if err != nil {
		h.Close()
		return nil, err
	}

	p := &Publisher{h: h, ps: ps, topic: topic, log: cfg.Logger}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil && cfg.Logger != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if cfg.Logger != nil {
		cfg.Logger.Infow("gossip_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	}
	return p, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

// Publish sends one event to the topic. Failures are logged and swallowed:
// the gossip feed is best-effort, the durable log lives in the exchange.
func (p *Publisher) Publish(ctx context.Context, e exchange.Event) {
	data, err := json.Marshal(&e)
	if err != nil {
		if p.log != nil {
			p.log.Errorw("gossip_marshal_failed", "seq", e.Seq, "err", err)
		}
		return
	}
	if err := p.topic.Publish(ctx, data); err != nil && p.log != nil {
		p.log.Warnw("gossip_publish_failed", "seq", e.Seq, "err", err)
	}
}

func (p *Publisher) Host() host.Host { return p.h }

func (p *Publisher) Close() error {
	p.topic.Close()
	return p.h.Close()
}
