package template

// TCPConnect is the kernel program text for the tcp_connect probe, grounded on original_source/pidtree_bcc/probes/tcp_connect.py's
// raw event shape (pid, saddr, daddr, dport) and the net_filter_map /
// port_filter_map contract. Filtering is expanded inline
// because BCC-style JIT compilation bakes config into the C text the same
// way the Jinja template did in the original.
const TCPConnect = `
#include <uapi/linux/ptrace.h>
#include <net/sock.h>
#include <bcc/proto.h>

struct net_filter_key_t {
    u32 prefixlen;
    u32 data;
};

struct net_filter_leaf_t {
    u8 mode;
    u8 range_count;
    struct { u16 lower; u16 upper; } ranges[8];
};

BPF_LPM_TRIE(net_filter_map, struct net_filter_key_t, struct net_filter_leaf_t, 512);
BPF_ARRAY(port_filter_map, u8, 65536);

struct connect_event_t {
    u32 pid;
    u32 saddr;
    u32 daddr;
    u16 dport;
};

BPF_RINGBUF_OUTPUT(events, 8);

static inline int port_allowed(u16 port) {
    u32 idx = 0;
    u8 *mode = port_filter_map.lookup(&idx);
    if (mode == NULL || *mode == 0) {
        return 1;
    }
    u32 pidx = port;
    u8 *member = port_filter_map.lookup(&pidx);
    u8 is_member = member != NULL && *member != 0;
    return *mode == 2 ? is_member : !is_member;
}

int trace_connect_entry(struct pt_regs *ctx, struct sock *sk) {
    u32 pid = bpf_get_current_pid_tgid() >> 32;
    u32 daddr = sk->__sk_common.skc_daddr;
    u16 dport = sk->__sk_common.skc_dport;

    {{ if .filters }}
    struct net_filter_key_t key = {.prefixlen = 32, .data = daddr};
    struct net_filter_leaf_t *leaf = net_filter_map.lookup(&key);
    if (leaf != NULL && leaf->mode != 0) {
        return 0;
    }
    {{ end }}

    if (!port_allowed(dport)) {
        return 0;
    }

    struct connect_event_t event = {
        .pid = pid,
        .saddr = sk->__sk_common.skc_rcv_saddr,
        .daddr = daddr,
        .dport = dport,
    };
    events.ringbuf_output(&event, sizeof(event), 0);
    return 0;
}
`

// NetListen is the kernel program text for the net_listen probe, grounded on probes/net_listen.py's raw event shape
// (pid, laddr, port, protocol).
const NetListen = `
#include <uapi/linux/ptrace.h>
#include <net/sock.h>
#include <bcc/proto.h>

struct net_filter_key_t {
    u32 prefixlen;
    u32 data;
};

struct net_filter_leaf_t {
    u8 mode;
    u8 range_count;
    struct { u16 lower; u16 upper; } ranges[8];
};

BPF_LPM_TRIE(net_filter_map, struct net_filter_key_t, struct net_filter_leaf_t, 512);
BPF_ARRAY(port_filter_map, u8, 65536);

struct listen_event_t {
    u32 pid;
    u32 laddr;
    u16 port;
    u8 protocol;
};

BPF_RINGBUF_OUTPUT(events, 8);

static inline int port_allowed(u16 port) {
    u32 idx = 0;
    u8 *mode = port_filter_map.lookup(&idx);
    if (mode == NULL || *mode == 0) {
        return 1;
    }
    u32 pidx = port;
    u8 *member = port_filter_map.lookup(&pidx);
    u8 is_member = member != NULL && *member != 0;
    return *mode == 2 ? is_member : !is_member;
}

int trace_listen_entry(struct pt_regs *ctx, struct sock *sk) {
    u32 pid = bpf_get_current_pid_tgid() >> 32;
    u32 laddr = sk->__sk_common.skc_rcv_saddr;
    u16 port = sk->__sk_common.skc_num;

    {{ if .filters }}
    struct net_filter_key_t key = {.prefixlen = 32, .data = laddr};
    struct net_filter_leaf_t *leaf = net_filter_map.lookup(&key);
    if (leaf != NULL && leaf->mode != 0) {
        return 0;
    }
    {{ end }}

    if (!port_allowed(port)) {
        return 0;
    }

    struct listen_event_t event = {
        .pid = pid,
        .laddr = laddr,
        .port = port,
        .protocol = {{ .protocol_const }},
    };
    events.ringbuf_output(&event, sizeof(event), 0);
    return 0;
}
`

// UDPSession is the kernel program text for the udp_session probe, grounded on probes/udp_session.py's three-phase session protocol
// (SESSION_START=1, SESSION_CONTINUE=2, SESSION_END=3) keyed by socket
// pointer, driving the userland session tracker in probe/udpsession.
const UDPSession = `
#include <uapi/linux/ptrace.h>
#include <net/sock.h>
#include <bcc/proto.h>

#define SESSION_START 1
#define SESSION_CONTINUE 2
#define SESSION_END 3

struct net_filter_key_t {
    u32 prefixlen;
    u32 data;
};

struct net_filter_leaf_t {
    u8 mode;
    u8 range_count;
    struct { u16 lower; u16 upper; } ranges[8];
};

BPF_LPM_TRIE(net_filter_map, struct net_filter_key_t, struct net_filter_leaf_t, 512);
BPF_ARRAY(port_filter_map, u8, 65536);

struct session_event_t {
    u8 type;
    u64 sock_pointer;
    u32 pid;
    u32 daddr;
    u16 dport;
} __attribute__((packed));

BPF_RINGBUF_OUTPUT(events, 8);
BPF_HASH(seen_sockets, u64, u8, 10240);

static inline int port_allowed(u16 port) {
    u32 idx = 0;
    u8 *mode = port_filter_map.lookup(&idx);
    if (mode == NULL || *mode == 0) {
        return 1;
    }
    u32 pidx = port;
    u8 *member = port_filter_map.lookup(&pidx);
    u8 is_member = member != NULL && *member != 0;
    return *mode == 2 ? is_member : !is_member;
}

int trace_udp_sendmsg(struct pt_regs *ctx, struct sock *sk) {
    u64 sock_ptr = (u64)sk;
    u32 pid = bpf_get_current_pid_tgid() >> 32;
    u32 daddr = sk->__sk_common.skc_daddr;
    u16 dport = sk->__sk_common.skc_dport;

    {{ if .filters }}
    struct net_filter_key_t key = {.prefixlen = 32, .data = daddr};
    struct net_filter_leaf_t *leaf = net_filter_map.lookup(&key);
    if (leaf != NULL && leaf->mode != 0) {
        return 0;
    }
    {{ end }}

    if (!port_allowed(dport)) {
        return 0;
    }

    u8 *existing = seen_sockets.lookup(&sock_ptr);
    struct session_event_t event = {
        .sock_pointer = sock_ptr,
        .pid = pid,
        .daddr = daddr,
        .dport = dport,
    };
    if (existing == NULL) {
        u8 one = 1;
        seen_sockets.update(&sock_ptr, &one);
        event.type = SESSION_START;
    } else {
        event.type = SESSION_CONTINUE;
    }
    events.ringbuf_output(&event, sizeof(event), 0);
    return 0;
}

int trace_udp_destroy_sock(struct pt_regs *ctx, struct sock *sk) {
    u64 sock_ptr = (u64)sk;
    u8 *existing = seen_sockets.lookup(&sock_ptr);
    if (existing == NULL) {
        return 0;
    }
    seen_sockets.delete(&sock_ptr);
    struct session_event_t event = {.type = SESSION_END, .sock_pointer = sock_ptr};
    events.ringbuf_output(&event, sizeof(event), 0);
    return 0;
}
`

// Sources returns the built-in Source definitions for the three probe
// kernel programs, keyed by probe name.
func Sources() map[string]Source {
	return map[string]Source{
		"tcp_connect": {Name: "tcp_connect", Text: TCPConnect, Vars: []string{"filters", "includeports", "excludeports"}},
		"net_listen":  {Name: "net_listen", Text: NetListen, Vars: []string{"filters", "protocols", "excludeaddress", "excludeports", "protocol_const"}},
		"udp_session": {Name: "udp_session", Text: UDPSession, Vars: []string{"filters", "includeports", "excludeports"}},
	}
}
