package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/matst80/relaygate/internal/obs"
	"github.com/matst80/relaygate/internal/proto"
)

// Advertise announces a new session to recipientCN on the general advertisement topic.
// Only the holder of recipientPublicKey can read the session id.
func (c *SessionClient) Advertise(ctx context.Context, senderCN, recipientCN, recipientPublicKey, sessionID string) error {
	sealed, err := c.crypto.Seal([]byte(sessionID), recipientPublicKey)
	if err != nil {
		return err
	}
	body, err := json.Marshal(proto.GeneralAdvertisement{
		SenderCN:        senderCN,
		SenderPublicKey: c.crypto.PublicKey(),
		RecipientCN:     recipientCN,
		SessionID:       base64.StdEncoding.EncodeToString(sealed),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	if err := c.transport.Broadcast(ctx, AdvertisementTopic, body); err != nil {
		return fmt.Errorf("%w: advertise: %v", ErrTransport, err)
	}
	return nil
}

// Advertisement is an opened general advertisement addressed to this node.
type Advertisement struct {
	SenderCN        string
	SenderPublicKey string
	SessionID       string
}

// SubscribeAdvertisements delivers advertisements addressed to localCN. Adverts for other
// recipients and adverts that fail to open are dropped.
func (c *SessionClient) SubscribeAdvertisements(ctx context.Context, localCN string, h func(Advertisement)) (Subscription, error) {
	sub, err := c.transport.SubscribeTopic(ctx, AdvertisementTopic, func(_ string, body []byte) {
		adv, ok := c.openAdvertisement(localCN, body)
		if ok {
			h(adv)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrTransport, AdvertisementTopic, err)
	}
	return sub, nil
}

func (c *SessionClient) openAdvertisement(localCN string, body []byte) (Advertisement, bool) {
	var ga proto.GeneralAdvertisement
	if err := json.Unmarshal(body, &ga); err != nil {
		obs.Warn("relay.advert.format", obs.Fields{"err": err.Error()})
		return Advertisement{}, false
	}
	if ga.RecipientCN != localCN {
		return Advertisement{}, false
	}
	sealed, err := base64.StdEncoding.DecodeString(ga.SessionID)
	if err != nil {
		obs.Warn("relay.advert.format", obs.Fields{"sender": ga.SenderCN, "err": err.Error()})
		return Advertisement{}, false
	}
	id, err := c.crypto.Open(sealed, ga.SenderPublicKey)
	if err != nil {
		obs.Warn("relay.advert.crypto", obs.Fields{"sender": ga.SenderCN, "err": err.Error()})
		return Advertisement{}, false
	}
	return Advertisement{SenderCN: ga.SenderCN, SenderPublicKey: ga.SenderPublicKey, SessionID: string(id)}, true
}
