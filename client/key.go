package client

import (
	"context"

	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
)

/*
Structure holding information returned on a specific key
*/
type KeyInfo struct {
	//Key
	Key            string
	//Value stored at the key
	Value          string
	//Etcd version of the key, which is incremented when a key changes and reset to 0 when it is deleted
	Version        int64
	//Revision of the etcd store when the key was created
	CreateRevision int64
	//Revision of the etcd store when the key was last modified
	ModRevision    int64
	//Id of the lease that created the key if the key was created with a lease
	Lease          int64
}

/*
Returns whether the KeyInfo structure stores a key that was found.
If the key is not found, an empty KeyInfo structure will be returned which will be detected by this method.
*/
func (info *KeyInfo) Found() bool {
	return info.CreateRevision > 0
}

func keyInfoFromKv(kv *mvccpb.KeyValue) KeyInfo {
	if kv == nil {
		return KeyInfo{}
	}

	return KeyInfo{
		Key:            string(kv.Key),
		Value:          string(kv.Value),
		Version:        kv.Version,
		CreateRevision: kv.CreateRevision,
		ModRevision:    kv.ModRevision,
		Lease:          kv.Lease,
	}
}

/*
Options that get passed to the Put method.
*/
type PutOptions struct {
	//Attaches the key to a lease so that it is deleted when the lease expires or is revoked
	Lease  int64
	//Return the previous value of the key
	PrevKv bool
}

type PutResult struct {
	//Revision of the store after the put
	Revision int64
	//Only set if PrevKv was requested. Will not be found if the key didn't exist.
	Previous KeyInfo
}

/*
Upsert the given value in the key with the given options
*/
func (cli *EtcdClient) Put(key string, val string, opts PutOptions) (PutResult, error) {
	var res *etcdserverpb.PutResponse
	err := cli.invoke("put", func(ctx context.Context, sess *Session) error {
		var err error
		res, err = sess.KV.Put(ctx, &etcdserverpb.PutRequest{
			Key:    []byte(key),
			Value:  []byte(val),
			Lease:  opts.Lease,
			PrevKv: opts.PrevKv,
		})
		return err
	})
	if err != nil {
		return PutResult{}, err
	}

	result := PutResult{Previous: keyInfoFromKv(res.PrevKv)}
	if res.Header != nil {
		result.Revision = res.Header.Revision
	}
	return result, nil
}

/*
Upsert the given value in the key. Returns the revision of the store after the change.
*/
func (cli *EtcdClient) PutKey(key string, val string) (int64, error) {
	res, err := cli.Put(key, val, PutOptions{})
	return res.Revision, err
}

/*
Options that get passed to GetKey method.
*/
type GetKeyOptions struct {
	//Specifies that the value of the key at a given store revision is wanted.
	//Can be left at the default 0 value if the latest version of the key is desired.
	Revision int64
}

/*
Get information on the given key including the value.
*/
func (cli *EtcdClient) GetKey(key string, opts GetKeyOptions) (KeyInfo, error) {
	var res *etcdserverpb.RangeResponse
	err := cli.invoke("range", func(ctx context.Context, sess *Session) error {
		var err error
		res, err = sess.KV.Range(ctx, &etcdserverpb.RangeRequest{
			Key:      []byte(key),
			Revision: opts.Revision,
		})
		return err
	})
	if err != nil {
		return KeyInfo{}, err
	}

	if len(res.Kvs) == 0 {
		return KeyInfo{}, nil
	}

	return keyInfoFromKv(res.Kvs[0]), nil
}

/*
Delete a key.
*/
func (cli *EtcdClient) DeleteKey(key string) error {
	_, err := cli.deleteRange(key, "", false)
	return err
}
