package routing

import (
	"market-sync/internal/domain"
)

// Handler turns one event payload into a mutation intent. Handlers never touch storage.
type Handler func(event domain.Event, p Payload) Mutation

func handleTransferred(_ domain.Event, p Payload) Mutation {
	m := Mutation{Kind: KindSetOwner, Asset: p.AssetRef()}
	if owner, ok := p.Address("newOwner", "owner", "to"); ok {
		m.Owner = &owner
	}
	return m
}

func handleListed(_ domain.Event, p Payload) Mutation {
	m := Mutation{Kind: KindList, Asset: p.AssetRef()}
	if price, ok := p.Amount("price"); ok {
		m.Price = &price
	}
	if buyNow, ok := p.Amount("buyNowPrice"); ok {
		m.BuyNowPrice = &buyNow
	}
	return m
}

func handleCancelled(_ domain.Event, p Payload) Mutation {
	return Mutation{Kind: KindCancel, Asset: p.AssetRef()}
}

func handleExpired(_ domain.Event, p Payload) Mutation {
	m := Mutation{Kind: KindExpire, Asset: p.AssetRef()}
	m.OfferID, _ = p.String("offerId")
	m.OrderID, _ = p.String("orderId")
	return m
}

func handlePurchased(_ domain.Event, p Payload) Mutation {
	m := Mutation{Kind: KindPurchase, Asset: p.AssetRef()}
	if buyer, ok := p.Address("buyer", "newOwner", "to"); ok {
		m.Buyer = &buyer
	}
	if seller, ok := p.Address("seller", "from"); ok {
		m.Seller = &seller
	}
	if amount, ok := p.Amount("amount"); ok {
		m.Amount = &amount
	} else if price, ok := p.Amount("price"); ok {
		m.Amount = &price
	}
	m.OrderID, _ = p.String("orderId")
	m.TxHash, _ = p.String("txHash")
	return m
}
